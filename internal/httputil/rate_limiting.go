package httputil

import (
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/element-hq/axon/setup/config"
	userapi "github.com/element-hq/axon/userapi/api"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "axon",
			Subsystem: "syncapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "axon",
			Subsystem: "syncapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits enforces a per-device token bucket across the sync
// endpoints. Each long poll is cheap, but connection churn from a
// broken client is not.
type RateLimits struct {
	mutex         sync.RWMutex
	limits        map[string]*limiterEntry
	enabled       bool
	threshold     int64
	cooloff       time.Duration
	exemptUserIDs map[string]struct{}
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:        make(map[string]*limiterEntry),
		enabled:       cfg.Enabled,
		threshold:     cfg.Threshold,
		cooloff:       time.Duration(cfg.CooloffMS) * time.Millisecond,
		exemptUserIDs: map[string]struct{}{},
	}
	for _, userID := range cfg.ExemptUserIDs {
		l.exemptUserIDs[userID] = struct{}{}
	}
	if l.enabled {
		go l.clean()
	}
	return l
}

func (l *RateLimits) clean() {
	for {
		time.Sleep(time.Minute)
		l.mutex.Lock()
		for k, e := range l.limits {
			if time.Since(e.lastSeen) > 5*time.Minute {
				delete(l.limits, k)
			}
		}
		l.mutex.Unlock()
	}
}

// Limit returns a non-nil response if the caller is over budget.
func (l *RateLimits) Limit(req *http.Request, device *userapi.Device) *util.JSONResponse {
	if !l.enabled {
		return nil
	}
	if _, ok := l.exemptUserIDs[device.UserID]; ok {
		return nil
	}
	caller := device.UserID + device.ID

	l.mutex.Lock()
	entry, ok := l.limits[caller]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(l.cooloff), int(l.threshold)),
		}
		l.limits[caller] = entry
	}
	entry.lastSeen = time.Now()
	l.mutex.Unlock()

	if !entry.limiter.Allow() {
		rateLimitRejections.WithLabelValues(req.URL.Path).Inc()
		return &util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: spec.LimitExceeded("You are sending too many requests.", l.cooloff.Milliseconds()),
		}
	}
	rateLimitAllowed.WithLabelValues(req.URL.Path).Inc()
	return nil
}
