// Package privacy decides whether an incoming beacon may enter the
// ingestion pipeline. Rules run in a fixed order and the first match wins;
// a rejected beacon causes no writes and no cache mutation.
package privacy

import (
	"net"

	"pagetrace/internal/pkg/useragent"
	"pagetrace/internal/store"
)

// Reason explains a rejection.
type Reason int

// Rejection reasons, in rule order.
const (
	ReasonNone Reason = iota
	ReasonForbiddenOrigin
	ReasonPrivacySignal
	ReasonBot
	ReasonIgnoredIP
)

func (r Reason) String() string {
	switch r {
	case ReasonForbiddenOrigin:
		return "forbidden_origin"
	case ReasonPrivacySignal:
		return "privacy_signal"
	case ReasonBot:
		return "bot"
	case ReasonIgnoredIP:
		return "ignored_ip"
	default:
		return "none"
	}
}

// Request carries the signals the filter inspects.
type Request struct {
	Origin    string // Origin header, empty when absent
	DNT       string // DNT header value
	GPC       string // Sec-GPC header value
	UserAgent string
	IP        string
}

// Verdict is the filter outcome. Only ReasonForbiddenOrigin surfaces as an
// HTTP error; every other rejection stays silent so blockers and bots cannot
// detect that they were filtered.
type Verdict struct {
	Admitted bool
	Reason   Reason
}

// Evaluate runs the ordered rules for one beacon against the service's
// privacy configuration.
func Evaluate(svc *store.Service, req Request) Verdict {
	if req.Origin != "" && !svc.IsOriginAllowed(req.Origin) {
		return Verdict{Reason: ReasonForbiddenOrigin}
	}

	if svc.RespectDNT && (req.DNT == "1" || req.GPC == "1") {
		return Verdict{Reason: ReasonPrivacySignal}
	}

	if svc.IgnoreRobots && useragent.Parse(req.UserAgent).Bot {
		return Verdict{Reason: ReasonBot}
	}

	if req.IP != "" {
		if ip := net.ParseIP(req.IP); ip != nil {
			for _, network := range svc.IgnoredNetworks() {
				if network.Contains(ip) {
					return Verdict{Reason: ReasonIgnoredIP}
				}
			}
		}
	}

	return Verdict{Admitted: true}
}
