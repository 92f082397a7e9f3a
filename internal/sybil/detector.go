// Package sybil screens mesh joins for identity-forging patterns: bursts
// of coordinated joins, clusters of nodes behind one host, and near-clone
// capability sets. It can also gate admission behind a proof-of-work
// challenge.
package sybil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agentmesh/mesh/internal/core"
)

// Recorder is the journal surface the detector reports into.
type Recorder interface {
	TryEmit(sessionID, eventType string, payload map[string]any) bool
}

// Config holds the detection thresholds.
type Config struct {
	// MaxJoinsInWindow is the number of distinct joins the window may
	// hold before a coordinated_join is flagged.
	MaxJoinsInWindow int
	// JoinWindow is the sliding window length.
	JoinWindow time.Duration
	// PowDifficulty is the number of leading hex zeros a PoW solution
	// hash must carry.
	PowDifficulty int
	// RequirePoW makes every join carry a challenge until solved.
	RequirePoW bool
	// ChallengeTTL bounds how long an issued challenge stays valid.
	ChallengeTTL time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxJoinsInWindow: 5,
		JoinWindow:       time.Minute,
		PowDifficulty:    4,
		ChallengeTTL:     5 * time.Minute,
	}
}

type joinRecord struct {
	identity core.NodeIdentity
	at       time.Time
}

// Detector inspects every join against the recent join history. Safe for
// concurrent use.
type Detector struct {
	mu    sync.Mutex
	cfg   Config
	joins []joinRecord

	challenges *gocache.Cache // node_id -> challenge hex
	recorder   Recorder
	logger     *log.Logger
}

// NewDetector returns a detector with the given thresholds. recorder may
// be nil.
func NewDetector(cfg Config, recorder Recorder) *Detector {
	if cfg.MaxJoinsInWindow <= 0 {
		cfg.MaxJoinsInWindow = 5
	}
	if cfg.JoinWindow <= 0 {
		cfg.JoinWindow = time.Minute
	}
	if cfg.PowDifficulty <= 0 {
		cfg.PowDifficulty = 4
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	return &Detector{
		cfg:        cfg,
		challenges: gocache.New(cfg.ChallengeTTL, cfg.ChallengeTTL),
		recorder:   recorder,
		logger:     log.New(log.Writer(), "[SYBIL] ", log.LstdFlags),
	}
}

// InspectJoin records the identity in the join window and returns any
// sybil reports the join triggers. Reports are also journaled.
func (d *Detector) InspectJoin(identity core.NodeIdentity) []core.SybilReport {
	now := time.Now().UTC()

	d.mu.Lock()
	d.pruneLocked(now)
	d.joins = append(d.joins, joinRecord{identity: identity, at: now})
	window := make([]joinRecord, len(d.joins))
	copy(window, d.joins)
	d.mu.Unlock()

	var reports []core.SybilReport
	if r := d.checkCoordinatedJoin(window); r != nil {
		reports = append(reports, *r)
	}
	if r := d.checkSameHost(window, identity); r != nil {
		reports = append(reports, *r)
	}
	if r := d.checkCapabilityClones(window, identity); r != nil {
		reports = append(reports, *r)
	}

	for _, r := range reports {
		d.logger.Printf("join %s flagged %s (%d suspects, action=%s)",
			identity.NodeID, r.Indicator, len(r.SuspectNodeIDs), r.Action)
		if d.recorder != nil {
			d.recorder.TryEmit("mesh", "sybil_flagged", map[string]any{
				"indicator":        string(r.Indicator),
				"suspect_node_ids": r.SuspectNodeIDs,
				"confidence":       r.Confidence,
				"action":           string(r.Action),
			})
		}
	}
	return reports
}

// RequiresChallenge reports whether the given reports (or the global
// PoW requirement) should gate admission behind a proof of work.
func (d *Detector) RequiresChallenge(reports []core.SybilReport) bool {
	if d.cfg.RequirePoW {
		return true
	}
	for _, r := range reports {
		if r.Action == core.SybilChallenge || r.Action == core.SybilQuarantine {
			return true
		}
	}
	return false
}

// pruneLocked drops joins older than the window. Caller holds d.mu.
func (d *Detector) pruneLocked(now time.Time) {
	cutoff := now.Add(-d.cfg.JoinWindow)
	kept := d.joins[:0]
	for _, j := range d.joins {
		if j.at.After(cutoff) {
			kept = append(kept, j)
		}
	}
	d.joins = kept
}

func (d *Detector) checkCoordinatedJoin(window []joinRecord) *core.SybilReport {
	distinct := make(map[string]struct{}, len(window))
	for _, j := range window {
		distinct[j.identity.NodeID] = struct{}{}
	}
	if len(distinct) <= d.cfg.MaxJoinsInWindow {
		return nil
	}

	suspects := make([]string, 0, len(distinct))
	for id := range distinct {
		suspects = append(suspects, id)
	}
	sort.Strings(suspects)

	overflow := float64(len(distinct)-d.cfg.MaxJoinsInWindow) / float64(d.cfg.MaxJoinsInWindow)
	return &core.SybilReport{
		Indicator:      core.SybilCoordinatedJoin,
		SuspectNodeIDs: suspects,
		Confidence:     clamp01(0.5 + 0.5*overflow),
		Action:         core.SybilChallenge,
		Evidence: map[string]any{
			"joins_in_window": len(distinct),
			"max_allowed":     d.cfg.MaxJoinsInWindow,
			"window_ms":       d.cfg.JoinWindow.Milliseconds(),
		},
		Timestamp: time.Now().UTC(),
	}
}

func (d *Detector) checkSameHost(window []joinRecord, identity core.NodeIdentity) *core.SybilReport {
	host := apiHost(identity.APIURL)
	if host == "" {
		return nil
	}

	suspects := distinctNodeIDs(window, func(id core.NodeIdentity) bool {
		return apiHost(id.APIURL) == host
	})
	if len(suspects) < 3 {
		return nil
	}

	action := core.SybilFlag
	if len(suspects) >= 5 {
		action = core.SybilChallenge
	}
	return &core.SybilReport{
		Indicator:      core.SybilSameIPRange,
		SuspectNodeIDs: suspects,
		Confidence:     clamp01(float64(len(suspects)) / 10),
		Action:         action,
		Evidence:       map[string]any{"host": host, "cluster_size": len(suspects)},
		Timestamp:      time.Now().UTC(),
	}
}

func (d *Detector) checkCapabilityClones(window []joinRecord, identity core.NodeIdentity) *core.SybilReport {
	if len(identity.Capabilities) == 0 {
		return nil
	}

	suspects := distinctNodeIDs(window, func(id core.NodeIdentity) bool {
		return jaccard(identity.Capabilities, id.Capabilities) >= 0.9
	})
	if len(suspects) < 3 {
		return nil
	}

	return &core.SybilReport{
		Indicator:      core.SybilSimilarCapabilities,
		SuspectNodeIDs: suspects,
		Confidence:     0.7,
		Action:         core.SybilFlag,
		Evidence: map[string]any{
			"capabilities": identity.Capabilities,
			"cluster_size": len(suspects),
		},
		Timestamp: time.Now().UTC(),
	}
}

// IssueChallenge creates (or re-serves) the pending PoW challenge for a
// node: 32 random bytes, hex encoded.
func (d *Detector) IssueChallenge(nodeID string) (string, error) {
	if existing, ok := d.challenges.Get(nodeID); ok {
		return existing.(string), nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	challenge := hex.EncodeToString(buf)
	d.challenges.Set(nodeID, challenge, gocache.DefaultExpiration)
	return challenge, nil
}

// VerifySolution accepts a solution iff SHA-256(challenge || solution)
// starts with PowDifficulty hex zeros. A verified challenge is consumed.
func (d *Detector) VerifySolution(nodeID, solution string) bool {
	v, ok := d.challenges.Get(nodeID)
	if !ok {
		return false
	}
	challenge := v.(string)

	sum := sha256.Sum256([]byte(challenge + solution))
	digest := hex.EncodeToString(sum[:])
	if !strings.HasPrefix(digest, strings.Repeat("0", d.cfg.PowDifficulty)) {
		return false
	}

	d.challenges.Delete(nodeID)
	return true
}

// PendingChallenge returns the outstanding challenge for a node, if any.
func (d *Detector) PendingChallenge(nodeID string) (string, bool) {
	v, ok := d.challenges.Get(nodeID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// SolveChallenge brute-forces a solution for a challenge at the given
// difficulty. Used by joining nodes answering a challenge.
func SolveChallenge(challenge string, difficulty int) string {
	prefix := strings.Repeat("0", difficulty)
	for nonce := uint64(0); ; nonce++ {
		solution := fmt.Sprintf("%d", nonce)
		sum := sha256.Sum256([]byte(challenge + solution))
		if strings.HasPrefix(hex.EncodeToString(sum[:]), prefix) {
			return solution
		}
	}
}

func distinctNodeIDs(window []joinRecord, match func(core.NodeIdentity) bool) []string {
	seen := make(map[string]struct{})
	for _, j := range window {
		if match(j.identity) {
			seen[j.identity.NodeID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func apiHost(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := set[s]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
