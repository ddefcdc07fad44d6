package domain

import (
	"fmt"
	"sort"
	"time"
)

// Queue is a named routing bucket with an optional menu tree and business hours.
type Queue struct {
	ID                string
	TenantID          string
	Name              string
	Greeting          string
	OutOfHoursMessage string
	Schedules         []BusinessHours
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BusinessHours is an opening interval for one weekday, times formatted HH:MM.
type BusinessHours struct {
	Weekday time.Weekday
	Start   string
	End     string
}

// IsOpenAt reports whether the queue accepts conversations at t (already in the
// tenant's location). A queue without schedules is always open.
func (q *Queue) IsOpenAt(t time.Time) bool {
	if len(q.Schedules) == 0 {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	for _, s := range q.Schedules {
		if s.Weekday != t.Weekday() {
			continue
		}
		start, err := parseClock(s.Start)
		if err != nil {
			continue
		}
		end, err := parseClock(s.End)
		if err != nil {
			continue
		}
		if minute >= start && minute < end {
			return true
		}
	}
	return false
}

func parseClock(v string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 24 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q", v)
	}
	return h*60 + m, nil
}

// MenuOption is one node of a queue's chatbot menu.
type MenuOption struct {
	ID       string
	QueueID  string
	ParentID *string
	Key      string
	Title    string
	Body     string
	Position int
}

// MenuTree is an arena of a queue's options indexed by parent.
type MenuTree struct {
	QueueID  string
	options  map[string]*MenuOption
	children map[string][]*MenuOption
}

const rootKey = ""

// NewMenuTree indexes options by id and parent. Children are ordered by
// position, then key.
func NewMenuTree(queueID string, options []MenuOption) *MenuTree {
	tree := &MenuTree{
		QueueID:  queueID,
		options:  make(map[string]*MenuOption, len(options)),
		children: make(map[string][]*MenuOption),
	}
	for i := range options {
		opt := options[i]
		tree.options[opt.ID] = &opt
	}
	for _, opt := range tree.options {
		parent := rootKey
		if opt.ParentID != nil {
			if _, ok := tree.options[*opt.ParentID]; !ok {
				continue
			}
			parent = *opt.ParentID
		}
		tree.children[parent] = append(tree.children[parent], opt)
	}
	for _, list := range tree.children {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Position != list[j].Position {
				return list[i].Position < list[j].Position
			}
			return list[i].Key < list[j].Key
		})
	}
	return tree
}

// Option returns the option with the given id.
func (m *MenuTree) Option(id string) (*MenuOption, bool) {
	if m == nil {
		return nil, false
	}
	opt, ok := m.options[id]
	return opt, ok
}

// Roots returns the queue's top-level options.
func (m *MenuTree) Roots() []*MenuOption {
	if m == nil {
		return nil
	}
	return m.children[rootKey]
}

// Children returns the options nested under id.
func (m *MenuTree) Children(id string) []*MenuOption {
	if m == nil {
		return nil
	}
	return m.children[id]
}

// Parent returns the parent option of id, or nil when id is top level.
func (m *MenuTree) Parent(id string) *MenuOption {
	opt, ok := m.Option(id)
	if !ok || opt.ParentID == nil {
		return nil
	}
	parent, _ := m.Option(*opt.ParentID)
	return parent
}
