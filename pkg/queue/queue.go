package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/types"
)

// metaTTL bounds how long an orphaned metadata record can outlive its queue
// entry.
const metaTTL = 24 * time.Hour

// Queue is the timed-task completion queue. Each task class owns one sorted
// set keyed by member "user:task[:sub]" with the completion time (unix ms) as
// score, plus a sibling metadata record per member.
type Queue struct {
	cache cache.Store
}

// Entry is one matured queue entry handed to the task worker
type Entry struct {
	Member string
	Score  int64
	Meta   *types.TaskMeta
}

// New creates a Queue over the given cache store
func New(c cache.Store) *Queue {
	return &Queue{cache: c}
}

// Member builds the queue member for a task. SubID may be empty.
func Member(userID int64, taskID string, subID string) string {
	if subID == "" {
		return fmt.Sprintf("%d:%s", userID, taskID)
	}
	return fmt.Sprintf("%d:%s:%s", userID, taskID, subID)
}

// ParseMember splits a member back into its parts
func ParseMember(member string) (userID int64, taskID, subID string, err error) {
	parts := strings.SplitN(member, ":", 3)
	if len(parts) < 2 {
		return 0, "", "", fmt.Errorf("malformed queue member: %s", member)
	}
	userID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("malformed queue member %s: %w", member, err)
	}
	taskID = parts[1]
	if len(parts) == 3 {
		subID = parts[2]
	}
	return userID, taskID, subID, nil
}

func queueKey(class types.TaskClass) string {
	return "queue:" + string(class)
}

func metaKey(class types.TaskClass, member string) string {
	return "queue_meta:" + string(class) + ":" + member
}

func deadLetterKey(class types.TaskClass) string {
	return "dead_letter:" + string(class)
}

// Enqueue registers a pending completion and its metadata
func (q *Queue) Enqueue(class types.TaskClass, member string, score int64, meta *types.TaskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := q.cache.SetAll(metaKey(class, member), map[string]string{"meta": string(data)}, metaTTL); err != nil {
		return err
	}
	return q.cache.ZAdd(queueKey(class), member, score)
}

// Reschedule moves an existing entry to a new completion time
func (q *Queue) Reschedule(class types.TaskClass, member string, score int64) error {
	return q.cache.ZAdd(queueKey(class), member, score)
}

// Remove deletes the queue entry and its metadata. Idempotent.
func (q *Queue) Remove(class types.TaskClass, member string) error {
	if err := q.cache.ZRem(queueKey(class), member); err != nil {
		return err
	}
	return q.cache.DeleteKey(metaKey(class, member))
}

// ScoreOf returns the pending completion time of a member, if enqueued
func (q *Queue) ScoreOf(class types.TaskClass, member string) (int64, bool, error) {
	return q.cache.ZScore(queueKey(class), member)
}

// Meta returns the metadata record for a member, or nil if absent
func (q *Queue) Meta(class types.TaskClass, member string) (*types.TaskMeta, error) {
	raw, ok, err := q.cache.GetField(metaKey(class, member), "meta")
	if err != nil || !ok {
		return nil, err
	}
	var meta types.TaskMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("corrupt task metadata for %s: %w", member, err)
	}
	return &meta, nil
}

// SetMeta overwrites the metadata record for a member
func (q *Queue) SetMeta(class types.TaskClass, member string, meta *types.TaskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return q.cache.SetAll(metaKey(class, member), map[string]string{"meta": string(data)}, metaTTL)
}

// PopDue removes and returns every entry matured at or before now (unix ms),
// in ascending score order with lexicographic tie-break. Entries the caller
// cannot complete must be re-enqueued (or dead-lettered) by the caller.
func (q *Queue) PopDue(class types.TaskClass, nowMs int64) ([]Entry, error) {
	members, err := q.cache.ZRangeByScore(queueKey(class), 0, nowMs)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		if err := q.cache.ZRem(queueKey(class), m.Member); err != nil {
			return entries, err
		}
		meta, err := q.Meta(class, m.Member)
		if err != nil {
			return entries, err
		}
		entries = append(entries, Entry{Member: m.Member, Score: m.Score, Meta: meta})
	}
	return entries, nil
}

// Pending returns the number of enqueued entries for a class
func (q *Queue) Pending(class types.TaskClass) (int, error) {
	return q.cache.ZCard(queueKey(class))
}

// DeadLetter records a member that exhausted its completion attempts and
// drops its queue state.
func (q *Queue) DeadLetter(class types.TaskClass, member string) error {
	if err := q.cache.SAdd(deadLetterKey(class), member); err != nil {
		return err
	}
	return q.cache.DeleteKey(metaKey(class, member))
}

// DeadLetters lists the dead-lettered members of a class
func (q *Queue) DeadLetters(class types.TaskClass) ([]string, error) {
	return q.cache.SMembers(deadLetterKey(class))
}
