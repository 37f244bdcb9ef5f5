package memory

import (
	"time"

	"github.com/google/uuid"
)

// RoundState represents the lifecycle state of a Round
type RoundState string

const (
	RoundCreated  RoundState = "created"
	RoundFinished RoundState = "finished"
	RoundFailed   RoundState = "failed"
)

// Round is one user query and all ensuing posts until termination.
// State transitions are monotonic: created -> (finished | failed).
type Round struct {
	ID        string     `json:"id"`
	UserQuery string     `json:"user_query"`
	State     RoundState `json:"state"`
	Posts     []*Post    `json:"posts"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewRound creates a round in the created state with a fresh ID
func NewRound(userQuery string) *Round {
	return &Round{
		ID:        "round-" + uuid.NewString(),
		UserQuery: userQuery,
		State:     RoundCreated,
		CreatedAt: time.Now(),
	}
}

// AddPost appends a post in emission order
func (r *Round) AddPost(p *Post) {
	r.Posts = append(r.Posts, p)
}

// LastPost returns the most recent post, or nil for an empty round
func (r *Round) LastPost() *Post {
	if len(r.Posts) == 0 {
		return nil
	}
	return r.Posts[len(r.Posts)-1]
}

// Clone returns a deep copy of the round
func (r *Round) Clone() *Round {
	c := &Round{
		ID:        r.ID,
		UserQuery: r.UserQuery,
		State:     r.State,
		CreatedAt: r.CreatedAt,
	}
	for _, p := range r.Posts {
		c.Posts = append(c.Posts, p.Clone())
	}
	return c
}

// ToMap serializes the round for persistence
func (r *Round) ToMap() map[string]any {
	posts := make([]map[string]any, 0, len(r.Posts))
	for _, p := range r.Posts {
		posts = append(posts, p.ToMap())
	}
	return map[string]any{
		"id":         r.ID,
		"user_query": r.UserQuery,
		"state":      string(r.State),
		"posts":      posts,
		"created_at": r.CreatedAt.Format(time.RFC3339Nano),
	}
}
