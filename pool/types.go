// Package pool implements a per-destination connection pool with a bounded
// global budget, priority-ordered admission, backup-connect racing and late
// binding of in-flight connect attempts to waiting requests.
package pool

import (
	"fmt"
)

// Priority orders admission within a Group. Higher values are served first.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLowest
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityHighest

	numPriorities = int(PriorityHighest) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "IDLE"
	case PriorityLowest:
		return "LOWEST"
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityHighest:
		return "HIGHEST"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// RespectLimits controls whether a Request is subject to the per-group and
// global socket budgets.
type RespectLimits uint8

const (
	RespectLimitsEnabled RespectLimits = iota
	RespectLimitsDisabled
)

// GroupId is the immutable key identifying a destination bucket. Equality
// defines group identity, so it is deliberately a plain comparable struct
// rather than a string key — this lets the zero value and map lookups work
// without building a composite key.
type GroupId struct {
	Host        string
	Port        uint16
	Scheme      string
	SocketTag   string
	PrivacyMode bool
}

func (g GroupId) String() string {
	privacy := ""
	if g.PrivacyMode {
		privacy = "!private"
	}
	return fmt.Sprintf("%s://%s:%d%s%s", g.Scheme, g.Host, g.Port, tagSuffix(g.SocketTag), privacy)
}

func tagSuffix(tag string) string {
	if tag == "" {
		return ""
	}
	return "#" + tag
}

// LoadState mirrors the coarse states a ConnectJob can report while pending.
type LoadState int

const (
	LoadStateResolvingHost LoadState = iota
	LoadStateConnecting
	LoadStateSSLHandshake
	LoadStateIdle
)

