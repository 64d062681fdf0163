// Package engagement measures time spent on a content subject (an article or
// a landmark route) together with the user's rating of it.
//
// Every visit goes IDLE -> VIEWING -> FINALIZED. Finalizing is a two-phase
// commit:
//
//  1. the record is merged into the durable store before Exit returns;
//  2. the record is sent to the backend from a goroutine.
//
// A successful send clears the stored entry; a failed one leaves it in place
// for FlushPending on the next launch. Durations accumulate across visits
// until a send succeeds.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tripguide/pkg/geo"
	"github.com/rubiojr/tripguide/pkg/logger"
	"github.com/rubiojr/tripguide/pkg/store"
	"github.com/rubiojr/tripguide/pkg/validate"
)

// Score is the user's rating of a subject.
type Score string

const (
	ScoreNeutral  Score = "neutral"
	ScorePositive Score = "positive"
	ScoreNegative Score = "negative"
)

// ParseScore accepts the three score names, case-insensitively.
func ParseScore(s string) (Score, error) {
	switch Score(strings.ToLower(strings.TrimSpace(s))) {
	case ScoreNeutral, "":
		return ScoreNeutral, nil
	case ScorePositive:
		return ScorePositive, nil
	case ScoreNegative:
		return ScoreNegative, nil
	}
	return "", validate.Failf("score", "unknown score %q", s)
}

// State of a Visit.
type State int

const (
	Idle State = iota
	Viewing
	Finalized
)

func (s State) String() string {
	switch s {
	case Viewing:
		return "viewing"
	case Finalized:
		return "finalized"
	}
	return "idle"
}

// ErrFinalized is returned when a finished visit is modified.
var ErrFinalized = errors.New("visit already finalized")

var log = logger.Named("engagement")

// Record is the persisted and submitted summary for one subject.
type Record struct {
	SubjectID     string        `json:"subjectId"`
	TimeOnSubject time.Duration `json:"timeOnSubject"`
	Score         Score         `json:"score"`
	UserID        string        `json:"userId"`
	Revision      string        `json:"revision"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Sender delivers a record to the backend.
type Sender interface {
	SendEngagement(ctx context.Context, r Record) error
}

// ArticleSubject is the subject id of an article.
func ArticleSubject(articleID string) string {
	return "article:" + articleID
}

// RouteSubject is the subject id of the route towards destination.
func RouteSubject(destination geo.Coordinate) string {
	return "route:" + destination.Key()
}

// Recorder owns the persisted records of a session.
type Recorder struct {
	bucket      *store.Bucket
	sender      Sender
	userID      func() string
	now         func() time.Time
	sendTimeout time.Duration

	// mu serializes read-modify-write cycles on the bucket.
	mu       sync.Mutex
	inflight sync.WaitGroup
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithSendTimeout bounds each backend submission.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.sendTimeout = d }
}

// NewRecorder persists into bucket and submits through sender (nil keeps
// every record pending). userID is read when a record is built.
func NewRecorder(bucket *store.Bucket, sender Sender, userID func() string, opts ...Option) *Recorder {
	r := &Recorder{
		bucket:      bucket,
		sender:      sender,
		userID:      userID,
		now:         time.Now,
		sendTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Pending returns the stored record for subjectID, if any.
func (r *Recorder) Pending(subjectID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(subjectID)
}

// load must be called with r.mu held.
func (r *Recorder) load(subjectID string) (Record, bool) {
	blob, ok := r.bucket.Get(subjectID)
	if !ok {
		return Record{}, false
	}
	var rec Record
	if err := blob.Decode(&rec); err != nil {
		log.Error("%s: %v (treating as empty)", subjectID, err)
		return Record{}, false
	}
	if rec.SubjectID == "" {
		rec.SubjectID = subjectID
	}
	return rec, true
}

// Enter starts a visit. The persisted score, when present, takes precedence
// over initial.
func (r *Recorder) Enter(subjectID string, initial Score) *Visit {
	prior, ok := r.Pending(subjectID)
	v := &Visit{
		r:       r,
		subject: subjectID,
		t0:      r.now(),
		score:   initial,
		state:   Viewing,
	}
	if ok {
		v.prior = prior.TimeOnSubject
		if prior.Score != "" {
			v.score = prior.Score
		}
	}
	if v.score == "" {
		v.score = ScoreNeutral
	}
	log.Debug("enter %s prior=%s score=%s", subjectID, v.prior, v.score)
	return v
}

// finalize runs phase 1 synchronously and starts phase 2.
func (r *Recorder) finalize(v *Visit, score Score) (Record, error) {
	elapsed := r.now().Sub(v.t0)
	if elapsed < 0 {
		elapsed = 0
	}

	r.mu.Lock()
	// Re-read instead of trusting v.prior: a send acknowledged while this
	// visit was open has already cleared the flushed part.
	stored, _ := r.load(v.subject)
	rec := Record{
		SubjectID:     v.subject,
		TimeOnSubject: elapsed + stored.TimeOnSubject,
		Score:         score,
		UserID:        r.userID(),
		Revision:      uuid.NewString(),
		UpdatedAt:     r.now().UTC(),
	}
	var persistErr error
	if blob, err := store.BlobOf(rec); err != nil {
		persistErr = err
	} else {
		persistErr = r.bucket.Merge(v.subject, blob)
	}
	r.mu.Unlock()

	if persistErr != nil {
		log.Error("persist %s: %v", v.subject, persistErr)
		persistErr = fmt.Errorf("persist %s: %w", v.subject, persistErr)
	}
	log.Debug("finalized %s duration=%s score=%s", rec.SubjectID, rec.TimeOnSubject, rec.Score)

	if sender := r.sender; sender != nil {
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
			defer cancel()
			_ = r.submit(ctx, sender, rec)
		}()
	}
	return rec, persistErr
}

func (r *Recorder) submit(ctx context.Context, sender Sender, rec Record) error {
	if err := sender.SendEngagement(ctx, rec); err != nil {
		log.Error("send %s (kept for retry): %v", rec.SubjectID, err)
		return err
	}
	r.acknowledge(rec)
	return nil
}

// acknowledge removes what the backend accepted. When a newer visit has
// rewritten the entry meanwhile, only the acknowledged duration is
// subtracted.
func (r *Recorder) acknowledge(sent Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.bucket.Update(sent.SubjectID, func(cur store.Blob, exists bool) store.Blob {
		if !exists {
			return nil
		}
		var stored Record
		if err := cur.Decode(&stored); err != nil || stored.Revision == sent.Revision {
			return nil
		}
		stored.TimeOnSubject -= sent.TimeOnSubject
		if stored.TimeOnSubject < 0 {
			stored.TimeOnSubject = 0
		}
		next, err := store.BlobOf(stored)
		if err != nil {
			return cur
		}
		return next
	})
	if err != nil {
		log.Error("clear %s: %v", sent.SubjectID, err)
		return
	}
	log.Debug("acknowledged %s", sent.SubjectID)
}

// FlushPending submits every stored record and returns how many were
// acknowledged. Records without a user id get the current one.
func (r *Recorder) FlushPending(ctx context.Context) (int, error) {
	if r.sender == nil {
		return 0, nil
	}
	keys, err := r.bucket.Keys()
	if err != nil {
		return 0, err
	}
	var sent int
	var firstErr error
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		r.mu.Lock()
		rec, ok := r.load(k)
		r.mu.Unlock()
		if !ok {
			_ = r.bucket.RemoveMany(k)
			continue
		}
		if rec.UserID == "" {
			rec.UserID = r.userID()
		}
		if err := r.submit(ctx, r.sender, rec); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	if sent > 0 {
		log.Info("flushed %d pending engagement record(s)", sent)
	}
	return sent, firstErr
}

// Wait blocks until in-flight submissions finish or ctx ends.
func (r *Recorder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Visit is one VIEWING period of a subject.
type Visit struct {
	r       *Recorder
	subject string
	t0      time.Time
	prior   time.Duration

	mu    sync.Mutex
	score Score
	state State
	once  sync.Once
	rec   Record
	err   error
}

// Subject returns the subject id.
func (v *Visit) Subject() string { return v.subject }

// Prior is the unflushed duration found when the visit started.
func (v *Visit) Prior() time.Duration { return v.prior }

// Score returns the current score.
func (v *Visit) Score() Score {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.score
}

// State returns the visit state.
func (v *Visit) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// SetScore replaces the score. Latest value wins.
func (v *Visit) SetScore(s Score) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == Finalized {
		return ErrFinalized
	}
	v.score = s
	return nil
}

// Exit finalizes the visit. Only the first call has an effect; later calls
// return the same record.
func (v *Visit) Exit() (Record, error) {
	v.once.Do(func() {
		v.mu.Lock()
		v.state = Finalized
		score := v.score
		v.mu.Unlock()
		v.rec, v.err = v.r.finalize(v, score)
	})
	return v.rec, v.err
}
