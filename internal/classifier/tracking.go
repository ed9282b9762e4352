package classifier

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	trackingPrefix = "MED"
	suffixLen      = 4
	suffixSpace    = 36 * 36 * 36 * 36
)

// TrackingPattern matches anything shaped like a tracking number, case-insensitively.
var TrackingPattern = regexp.MustCompile(`(?i)^MED-[A-Z0-9]+-[A-Z0-9]+$`)

// IsTrackingNumber reports whether s looks like a tracking number.
func IsTrackingNumber(s string) bool {
	return TrackingPattern.MatchString(strings.TrimSpace(s))
}

// NormalizeTracking returns the canonical stored form of a user-typed tracking number.
func NormalizeTracking(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Generator issues MED-<base36 millis>-<4 base36> tracking numbers. Within one
// process it never repeats: suffixes already handed out in the current millisecond
// are redrawn. Uniqueness across processes is the store's job.
type Generator struct {
	mu     sync.Mutex
	now    func() time.Time
	intn   func(n int) int
	lastMs int64
	issued map[int]struct{}
}

func NewGenerator() *Generator {
	return &Generator{
		now:    time.Now,
		intn:   rand.Intn,
		issued: make(map[int]struct{}),
	}
}

func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms > g.lastMs {
		g.lastMs = ms
		clear(g.issued)
	}

	var n int
	for {
		if len(g.issued) >= suffixSpace {
			g.lastMs++
			clear(g.issued)
		}
		n = g.intn(suffixSpace)
		if _, dup := g.issued[n]; !dup {
			g.issued[n] = struct{}{}
			break
		}
	}

	return trackingPrefix + "-" +
		strings.ToUpper(strconv.FormatInt(g.lastMs, 36)) + "-" +
		padSuffix(strings.ToUpper(strconv.FormatInt(int64(n), 36)))
}

func padSuffix(s string) string {
	if len(s) >= suffixLen {
		return s
	}
	return strings.Repeat("0", suffixLen-len(s)) + s
}

var defaultGenerator = NewGenerator()

// NewTrackingNumber returns a fresh tracking number from the process-wide generator.
func NewTrackingNumber() string {
	return defaultGenerator.Next()
}
