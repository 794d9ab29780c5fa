package redisx

import "time"

const (
	// Fast price gate: auction_price:{auction_id} -> current price (integer points)
	KeyAuctionPrice = "auction_price:%s"

	// Live price updates: auction:updates:{auction_id}, pattern-subscribed by every API node
	ChannelAuctionUpdates = "auction:updates:%s"
	PatternAuctionUpdates = "auction:updates:*"

	// Display names, owned by the user service: user:{user_id}:name -> string
	KeyUserName = "user:%s:name"

	// Dedup fact processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	// gate entries outlive any auction; close deletes them explicitly
	TTLAuctionPrice = 48 * time.Hour
	TTLDedup        = 48 * time.Hour
)
