// Package leaderboard turns raw participant snapshots into a ranked,
// change-annotated scoreboard for the host.
package leaderboard

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"livequiz-service/internal/domain"
)

const (
	// AnnotationWindow is how long a batch of "+N" annotations stays visible
	// after the most recent batch was recorded.
	AnnotationWindow = 2 * time.Second
	// TopN is the number of entries shown on the scoreboard.
	TopN = 10
)

// Reconciler keeps the previous snapshot of one session and diffs every new
// snapshot against it. It never mutates the participants it is given.
type Reconciler struct {
	sessionID string
	window    time.Duration
	topN      int
	now       func() time.Time

	mu          sync.Mutex
	primed      bool
	displayKey  string
	statsKey    string
	prevRank    map[string]int
	prevScore   map[string]int
	view        domain.Leaderboard
	gains       map[string]int
	gainsExpire time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithWindow overrides AnnotationWindow.
func WithWindow(d time.Duration) Option {
	return func(r *Reconciler) { r.window = d }
}

// WithTopN overrides TopN.
func WithTopN(n int) Option {
	return func(r *Reconciler) { r.topN = n }
}

func NewReconciler(sessionID string, opts ...Option) *Reconciler {
	r := &Reconciler{
		sessionID: sessionID,
		window:    AnnotationWindow,
		topN:      TopN,
		now:       time.Now,
		prevRank:  map[string]int{},
		prevScore: map[string]int{},
		gains:     map[string]int{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type displayRow struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

type statsRow struct {
	ID        string `json:"id"`
	Correct   int    `json:"c"`
	Incorrect int    `json:"i"`
}

// Reconcile ranks participants and returns the resulting view. The boolean is
// false when nothing visible changed since the previous call, in which case the
// previous view is returned and no annotations are recorded.
func (r *Reconciler) Reconcile(participants []domain.Participant) (domain.Leaderboard, bool) {
	ranked := Rank(participants)
	display, stats := keys(ranked)

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	if r.primed && display == r.displayKey {
		if stats == r.statsKey {
			return r.viewLocked(now), false
		}
		r.statsKey = stats
		r.view.Stats = Stats(ranked)
		r.view.UpdatedAt = now
		return r.viewLocked(now), true
	}

	fresh := map[string]int{}
	entries := make([]domain.LeaderboardEntry, 0, len(ranked))
	rank := make(map[string]int, len(ranked))
	score := make(map[string]int, len(ranked))
	for i, p := range ranked {
		pos := i + 1
		prev, seen := r.prevRank[p.ID]
		e := domain.LeaderboardEntry{
			ParticipantID: p.ID,
			Name:          p.Name,
			Score:         p.Score,
			Position:      pos,
		}
		if seen {
			e.PreviousPosition = prev
			e.PositionChange = prev - pos
		} else {
			e.IsNew = true
		}
		entries = append(entries, e)
		rank[p.ID] = pos
		score[p.ID] = p.Score

		if delta := p.Score - r.prevScore[p.ID]; delta > 0 {
			fresh[p.ID] = delta
		}
	}

	if len(fresh) > 0 {
		r.expireGainsLocked(now)
		for id, d := range fresh {
			r.gains[id] = d
		}
		r.gainsExpire = now.Add(r.window)
	}

	if len(entries) > r.topN {
		entries = entries[:r.topN]
	}
	r.view = domain.Leaderboard{
		SessionID: r.sessionID,
		Entries:   entries,
		Stats:     Stats(ranked),
		UpdatedAt: now,
	}
	r.prevRank = rank
	r.prevScore = score
	r.displayKey = display
	r.statsKey = stats
	r.primed = true
	return r.viewLocked(now), true
}

// View returns the latest view with the annotations still inside their window.
func (r *Reconciler) View() domain.Leaderboard {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked(r.now())
}

// Gains returns the active "+N" annotations keyed by participant ID.
func (r *Reconciler) Gains() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireGainsLocked(r.now())
	return copyGains(r.gains)
}

// GainsExpireAt reports when the current annotation batch clears.
func (r *Reconciler) GainsExpireAt() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireGainsLocked(r.now())
	if len(r.gains) == 0 {
		return time.Time{}, false
	}
	return r.gainsExpire, true
}

func (r *Reconciler) viewLocked(now time.Time) domain.Leaderboard {
	r.expireGainsLocked(now)
	v := r.view
	v.Entries = append([]domain.LeaderboardEntry(nil), r.view.Entries...)
	v.PointsGained = copyGains(r.gains)
	if v.SessionID == "" {
		v.SessionID = r.sessionID
	}
	return v
}

func (r *Reconciler) expireGainsLocked(now time.Time) {
	if len(r.gains) > 0 && !now.Before(r.gainsExpire) {
		r.gains = map[string]int{}
	}
}

func copyGains(src map[string]int) map[string]int {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]int, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Rank returns a copy of participants ordered by score descending, ties broken
// by participant ID ascending.
func Rank(participants []domain.Participant) []domain.Participant {
	ranked := append([]domain.Participant(nil), participants...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// Stats aggregates counters over the full participant set.
func Stats(participants []domain.Participant) domain.SessionStats {
	st := domain.SessionStats{Participants: len(participants)}
	for _, p := range participants {
		st.CorrectAnswers += p.CorrectAnswers
		st.IncorrectAnswers += p.IncorrectAnswers
		st.TotalScore += p.Score
	}
	if st.Participants > 0 {
		st.AverageScore = int(math.Round(float64(st.TotalScore) / float64(st.Participants)))
	}
	return st
}

func keys(ranked []domain.Participant) (string, string) {
	display := make([]displayRow, len(ranked))
	stats := make([]statsRow, len(ranked))
	for i, p := range ranked {
		display[i] = displayRow{ID: p.ID, Name: p.Name, Score: p.Score}
		stats[i] = statsRow{ID: p.ID, Correct: p.CorrectAnswers, Incorrect: p.IncorrectAnswers}
	}
	d, _ := json.Marshal(display)
	s, _ := json.Marshal(stats)
	return string(d), string(s)
}
