package stubs

import "marketsync/internal/models"

var Profiles = []models.Profile{
	{ID: "alice", DisplayName: "Alice", AvatarURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=Alice"},
	{ID: "bob", DisplayName: "Bob", AvatarURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=Bob"},
	{ID: "charlie", DisplayName: "Charlie", AvatarURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=Charlie"},
}

// Prices are in pesewas.
var Listings = []models.Listing{
	{ID: "bike-01", SellerID: "alice", Title: "Road bike, 54cm", Price: 250000, Currency: "GHS", Status: models.ListingStatusActive},
	{ID: "phone-01", SellerID: "bob", Title: "Used phone, 128GB", Price: 180000, Currency: "GHS", Status: models.ListingStatusActive},
}

// Conversation is a seeded thread: the buyer writes to the listing's seller.
type Conversation struct {
	BuyerID   string
	ListingID string
	Opening   string
}

var Conversations = []Conversation{
	{BuyerID: "bob", ListingID: "bike-01", Opening: "Hi! Is the bike still available?"},
	{BuyerID: "charlie", ListingID: "bike-01", Opening: "Would you take **GHS 2,000**?"},
	{BuyerID: "alice", ListingID: "phone-01", Opening: "Does the phone come with a charger?"},
}
