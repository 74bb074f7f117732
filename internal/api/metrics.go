// SPDX-License-Identifier: MIT

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deniedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sectify_api_denied_total",
		Help: "Requests denied by the authorization layer.",
	}, []string{"reason"})

	loginFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sectify_api_login_failures_total",
		Help: "Failed credential or 2FA verifications.",
	})

	keyResolves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sectify_api_key_resolves_total",
		Help: "Segment key alias resolutions by outcome.",
	}, []string{"outcome"})
)
