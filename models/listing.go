package models

// Column names of the NYC Airbnb listings dataset.
const (
	ColID                          = "id"
	ColName                        = "name"
	ColHostID                      = "host_id"
	ColHostName                    = "host_name"
	ColNeighbourhoodGroup          = "neighbourhood_group"
	ColNeighbourhood               = "neighbourhood"
	ColLatitude                    = "latitude"
	ColLongitude                   = "longitude"
	ColRoomType                    = "room_type"
	ColPrice                       = "price"
	ColMinimumNights               = "minimum_nights"
	ColNumberOfReviews             = "number_of_reviews"
	ColLastReview                  = "last_review"
	ColReviewsPerMonth             = "reviews_per_month"
	ColCalculatedHostListingsCount = "calculated_host_listings_count"
	ColAvailability365             = "availability_365"
)

// ListingColumns is the expected header of a listings file, in order.
var ListingColumns = []string{
	ColID,
	ColName,
	ColHostID,
	ColHostName,
	ColNeighbourhoodGroup,
	ColNeighbourhood,
	ColLatitude,
	ColLongitude,
	ColRoomType,
	ColPrice,
	ColMinimumNights,
	ColNumberOfReviews,
	ColLastReview,
	ColReviewsPerMonth,
	ColCalculatedHostListingsCount,
	ColAvailability365,
}

// NeighbourhoodGroups are the five NYC boroughs a listing may belong to.
var NeighbourhoodGroups = []string{"Bronx", "Brooklyn", "Manhattan", "Queens", "Staten Island"}

// RoomTypes lists known room types in the order used for ordinal encoding.
var RoomTypes = []string{"Entire home/apt", "Private room", "Shared room", "Hotel room"}

// DatasetSummary holds descriptive statistics over a listings table.
type DatasetSummary struct {
	TotalRows       int
	PricedRows      int
	AveragePrice    float64
	MinPrice        float64
	MaxPrice        float64
	MostExpensive   string
	ByNeighbourhood map[string]int
	ByRoomType      map[string]int
}
