// Package policy implements the Policy Engine: a pure function evaluating a
// request against the blocked-domain and blocked-keyword lists.
package policy

import (
	"net"
	"strings"

	"golang.org/x/text/cases"

	"github.com/nullwire/interceptproxy/pkg/model"
)

var fold = cases.Fold()

// Evaluate returns the Policy Engine's verdict on req under mode and bl.
//
// A block always short-circuits, regardless of mode: filter mode returns
// block/allow directly; intercept mode first evaluates the same way, and
// only returns review once neither list matches.
func Evaluate(req *model.Request, mode model.PolicyMode, bl model.Blocklist) model.Decision {
	if matchesBlockedDomain(req.Host, bl.Domains) {
		return model.DecisionBlock
	}
	if matchesBlockedKeyword(req, bl.Keywords) {
		return model.DecisionBlock
	}
	if mode == model.ModeFilter {
		return model.DecisionAllow
	}
	return model.DecisionReview
}

// matchesBlockedDomain reports whether host matches any pattern in domains.
// Patterns are evaluated in insertion order (the first match wins, though
// the block/no-block outcome never depends on order). "*.example.com"
// matches any strict subdomain of example.com; a bare "example.com"
// matches only itself. An IP-literal host only ever matches a pattern
// literally; wildcard patterns are skipped for it.
func matchesBlockedDomain(host string, domains []string) bool {
	if host == "" {
		return false
	}
	folded := fold.String(host)
	isIP := net.ParseIP(host) != nil
	for _, pattern := range domains {
		if pattern == "" {
			continue
		}
		p := fold.String(pattern)
		if strings.HasPrefix(p, "*.") {
			if isIP {
				continue
			}
			suffix := p[1:] // ".example.com"
			if len(folded) > len(suffix) && strings.HasSuffix(folded, suffix) {
				return true
			}
			continue
		}
		if folded == p {
			return true
		}
	}
	return false
}

// matchesBlockedKeyword reports whether any keyword occurs, case-insensitive
// and UTF-8 bytewise, in req's path, header values, or body.
func matchesBlockedKeyword(req *model.Request, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}

	haystacks := make([]string, 0, len(req.Headers)+2)
	haystacks = append(haystacks, req.Path)
	for _, h := range req.Headers {
		haystacks = append(haystacks, h.Value)
	}
	if len(req.Body) > 0 {
		haystacks = append(haystacks, string(req.Body))
	}

	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		foldedKw := fold.String(kw)
		for _, hay := range haystacks {
			if strings.Contains(fold.String(hay), foldedKw) {
				return true
			}
		}
	}
	return false
}
