package updater

// ActivityType discriminates a DatabaseActivity event.
type ActivityType string

const (
	FetchStart    ActivityType = "fetch_start"
	StoreComplete ActivityType = "store_complete"
	ActivityError ActivityType = "error"
)

// DatabaseActivity reports one continuous-updater tick's outcome, consumed by
// the Broadcast Hub and forwarded to subscribed clients.
type DatabaseActivity struct {
	Type        ActivityType
	Product     string
	Granularity string
	Count       int
	LatestPrice float64
	Err         error
}
