package presence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
)

var (
	// ErrInvalidRequest marks a request that is malformed and was rejected
	// without touching presence state.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEmptyField is returned when a join's room or display name is empty
	// after trimming whitespace.
	ErrEmptyField = fmt.Errorf("%w: room and display name are required", ErrInvalidRequest)

	// ErrAlreadyJoined is returned when a connection that already has a room
	// tries to join again. It matches ErrInvalidRequest with errors.Is.
	ErrAlreadyJoined = fmt.Errorf("%w: connection already joined a room", ErrInvalidRequest)
)

// Member is the presence record for one joined connection.
type Member struct {
	ID          string
	DisplayName string
	Room        string
	JoinedAt    time.Time

	// seq orders members by join; JoinedAt may tie at clock resolution.
	seq uint64
}

// registry maps connection id to its presence record.
type registry map[string]Member

// roomIndex maps room id to the set of member connection ids. A room key is
// present iff its set is non-empty.
type roomIndex map[string]map[string]struct{}

func (idx roomIndex) add(room, id string) {
	set, ok := idx[room]
	if !ok {
		set = make(map[string]struct{})
		idx[room] = set
	}
	set[id] = struct{}{}
}

// remove deletes id from room and reports whether the room became empty (and
// was therefore dropped from the index).
func (idx roomIndex) remove(room, id string) bool {
	set, ok := idx[room]
	if !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, room)
		return true
	}
	return false
}

// members resolves the ids of room against reg, ordered by join sequence.
func (idx roomIndex) members(reg registry, room string) []Member {
	set := idx[room]
	out := lo.Map(lo.Keys(set), func(id string, _ int) Member {
		return reg[id]
	})
	sortByJoin(out)
	return out
}

func sortByJoin(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].seq < members[j].seq
	})
}
