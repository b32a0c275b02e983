package queue

// Job is what we push to the Redis Stream. The image bytes ride along with
// the message (uploads are small and bounded), so workers need no staging
// area. The id is assigned by the producer at enqueue time, never by the
// caller.
type Job struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Filename string `json:"filename,omitempty"`
	Payload  []byte `json:"payload"` // base64 over the wire
}
