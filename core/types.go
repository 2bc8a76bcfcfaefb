package core

import "time"

// Capacity is the checkpointed state of a remotely owned token bucket.
// Available is only exact as of UpdatedAt; use Estimate for any other instant.
type Capacity struct {
	Maximum    float64   `json:"maximum"`     // Bucket size reported by the server
	RefillRate float64   `json:"refill_rate"` // Tokens restored per second
	Available  float64   `json:"available"`   // Tokens available at UpdatedAt
	UpdatedAt  time.Time `json:"updated_at"`  // Last checkpoint
}

// Reservation is the result of trying to take cost tokens from a Capacity.
type Reservation struct {
	OK        bool          // Whether the tokens were taken
	Remaining float64       // Tokens left after the attempt
	Wait      time.Duration // Time until the cost fits (0 when OK)
}
