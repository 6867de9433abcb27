package listing

// Snapshot is the listing metadata an order captures at creation.
type Snapshot struct {
	ID        string
	SellerID  string
	Title     string
	ImageURL  string
	Condition string
	Grade     string
}
