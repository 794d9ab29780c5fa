package auction

const (
	TopicAuctionClosed = "auction.closed"
	TopicBidOutbid     = "auction.bid.outbid"
)

// Partition key = auction_id, so all facts of one auction stay ordered.
func PartitionKey(auctionID string) []byte { return []byte(auctionID) }
