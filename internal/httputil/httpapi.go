package httputil

import (
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	userapi "github.com/element-hq/axon/userapi/api"
)

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "axon",
		Subsystem: "syncapi",
		Name:      "requests_total",
		Help:      "Total number of authenticated API requests",
	},
	[]string{"endpoint", "code"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}

// MakeAuthAPI turns a device-scoped handler into an http.Handler. The
// access token is resolved through the upstream auth layer; the handler
// only ever sees an authenticated device. Panics are reported to Sentry
// and surfaced as 500s so a single bad request cannot take the process
// down.
func MakeAuthAPI(
	metricsName string,
	userAPI userapi.QueryAccessTokenAPI,
	f func(*http.Request, *userapi.Device) util.JSONResponse,
) http.Handler {
	h := func(req *http.Request) (res util.JSONResponse) {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("panic", r).WithField("endpoint", metricsName).Error("Request handler panicked")
				sentry.CurrentHub().Recover(r)
				res = util.JSONResponse{
					Code: http.StatusInternalServerError,
					JSON: spec.InternalServerError{},
				}
			}
			requestsTotal.WithLabelValues(metricsName, http.StatusText(res.Code)).Inc()
		}()

		token, err := extractAccessToken(req)
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: spec.MissingToken(err.Error()),
			}
		}
		device, err := userAPI.QueryDeviceByAccessToken(req.Context(), token)
		if err != nil || device == nil {
			return util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: spec.UnknownToken("Unrecognised access token"),
			}
		}
		return f(req, device)
	}
	return util.MakeJSONAPI(util.NewJSONRequestHandler(h))
}

func extractAccessToken(req *http.Request) (string, error) {
	authBearer := req.Header.Get("Authorization")
	if authBearer != "" {
		parts := strings.SplitN(authBearer, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] != "" {
			return parts[1], nil
		}
		return "", errMissingToken
	}
	if token := req.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", errMissingToken
}

type missingTokenError struct{}

func (missingTokenError) Error() string { return "Missing access token" }

var errMissingToken = missingTokenError{}
