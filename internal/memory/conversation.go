package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownRole   = errors.New("unknown role")
	ErrRoundNotFound = errors.New("round not found")
)

// CompactionProvider is implemented by per-role compactors registered
// with the store. The store never calls the summarizer itself; it only
// signals the provider when rounds change.
type CompactionProvider interface {
	GetCompaction() *CompactedMessage
	NotifyRoundsChanged(totalRounds int)
}

/*
CONVERSATION STORE

Memory owns the append-only conversation model for one session: an ordered,
1-indexed list of Rounds, each holding ordered Posts. All mutation goes
through Memory under a single lock; readers receive deep-copied snapshots so
a Round can never be observed half-written.

Posts and Rounds are reachable only by ID from the outside. Event bus
proxies and compactors refer to them by ID and resolve against the store;
they never own store data.
*/

// Memory stores the conversation of one session
type Memory struct {
	sessionID string

	mu         sync.Mutex
	rounds     []*Round
	roundByID  map[string]*Round
	roles      map[string]bool
	compactors map[string]CompactionProvider
	onAdded    []func(totalRounds int)
}

// NewMemory creates an empty conversation store for the session
func NewMemory(sessionID string) *Memory {
	return &Memory{
		sessionID:  sessionID,
		roundByID:  make(map[string]*Round),
		roles:      map[string]bool{RoleUser: true},
		compactors: make(map[string]CompactionProvider),
	}
}

// SessionID returns the owning session's ID
func (m *Memory) SessionID() string {
	return m.sessionID
}

// RegisterRole registers a role alias as known to this conversation
func (m *Memory) RegisterRole(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role] = true
}

// KnownRoles returns the registered role aliases in sorted order
func (m *Memory) KnownRoles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := make([]string, 0, len(m.roles))
	for r := range m.roles {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// OnRoundAdded registers a callback invoked (outside the lock) with the
// total round count whenever a round is created
func (m *Memory) OnRoundAdded(fn func(totalRounds int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAdded = append(m.onAdded, fn)
}

// RegisterCompactor attaches a per-role compaction provider. The provider
// is signaled on every round addition. Registering the same role twice is
// a no-op.
func (m *Memory) RegisterCompactor(role string, provider CompactionProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.compactors[role]; exists {
		return
	}
	m.compactors[role] = provider
	m.onAdded = append(m.onAdded, provider.NotifyRoundsChanged)
}

// CreateRound appends a new round with the given user query
func (m *Memory) CreateRound(userQuery string) *Round {
	round := NewRound(userQuery)

	m.mu.Lock()
	m.rounds = append(m.rounds, round)
	m.roundByID[round.ID] = round
	total := len(m.rounds)
	callbacks := make([]func(int), len(m.onAdded))
	copy(callbacks, m.onAdded)
	snapshot := round.Clone()
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(total)
	}
	return snapshot
}

// AppendPost adds a post to the identified round in emission order
func (m *Memory) AppendPost(roundID string, post *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	round, ok := m.roundByID[roundID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoundNotFound, roundID)
	}
	round.AddPost(post.Clone())
	return nil
}

// SetRoundState transitions a round's state. Transitions are monotonic:
// once finished or failed, a round does not change again.
func (m *Memory) SetRoundState(roundID string, state RoundState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	round, ok := m.roundByID[roundID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoundNotFound, roundID)
	}
	if round.State != RoundCreated {
		return nil
	}
	round.State = state
	return nil
}

// RoundCount returns the number of rounds
func (m *Memory) RoundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rounds)
}

// Rounds returns a deep-copied snapshot of all rounds in order
func (m *Memory) Rounds() []*Round {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Memory) snapshotLocked() []*Round {
	result := make([]*Round, 0, len(m.rounds))
	for _, r := range m.rounds {
		result = append(result, r.Clone())
	}
	return result
}

// GetRound returns a deep copy of the identified round
func (m *Memory) GetRound(roundID string) (*Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	round, ok := m.roundByID[roundID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoundNotFound, roundID)
	}
	return round.Clone(), nil
}

// GetRoleRounds returns the rounds involving the role as sender or
// receiver. Unless includeFailures is set, failed rounds are excluded.
// The returned rounds are copies; posts not involving the role are
// filtered out.
func (m *Memory) GetRoleRounds(role string, includeFailures bool) ([]*Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.roles[role] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	var result []*Round
	for _, round := range m.rounds {
		if round.State == RoundFailed && !includeFailures {
			continue
		}
		filtered := &Round{
			ID:        round.ID,
			UserQuery: round.UserQuery,
			State:     round.State,
			CreatedAt: round.CreatedAt,
		}
		for _, post := range round.Posts {
			if post.SendFrom == role || post.SendTo == role {
				filtered.AddPost(post.Clone())
			}
		}
		result = append(result, filtered)
	}
	return result, nil
}

// GetRoleRoundsWithCompaction returns the role's rounds plus the current
// compaction summary, if a compactor is registered for the role
func (m *Memory) GetRoleRoundsWithCompaction(role string, includeFailures bool) ([]*Round, *CompactedMessage, error) {
	rounds, err := m.GetRoleRounds(role, includeFailures)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	provider := m.compactors[role]
	m.mu.Unlock()

	if provider == nil {
		return rounds, nil, nil
	}
	return rounds, provider.GetCompaction(), nil
}

// GetSharedMemoryEntries collects shared memory entries of the given type
// across the conversation. Only the most recent entry per sending role is
// kept; round-scoped entries count only when they sit in the last round.
func (m *Memory) GetSharedMemoryEntries(entryType string) []SharedMemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	type orderedEntry struct {
		entry SharedMemoryEntry
		order int
	}
	byRole := make(map[string]orderedEntry)
	orderAt := 0

	for i, round := range m.rounds {
		isLastRound := i == len(m.rounds)-1
		for _, post := range round.Posts {
			for _, att := range post.Attachments {
				entry, ok := sharedMemoryEntryFromAttachment(att)
				if !ok || entry.Type != entryType {
					continue
				}
				if entry.Scope == ScopeConversation || isLastRound {
					byRole[post.SendFrom] = orderedEntry{entry: entry, order: orderAt}
					orderAt++
				}
			}
		}
	}

	entries := make([]orderedEntry, 0, len(byRole))
	for _, e := range byRole {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	result := make([]SharedMemoryEntry, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.entry)
	}
	return result
}
