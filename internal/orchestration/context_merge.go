package orchestration

import (
	"strings"
	"time"

	"github.com/hookcore/bridge/internal/domain"
)

// MergeStrategy names one of the three ways a Context produced by a
// completed Phase/step is folded into the Context the next one sees.
type MergeStrategy string

const (
	MergeSequential MergeStrategy = "sequential"
	MergeCumulative MergeStrategy = "cumulative"
	MergeSelective  MergeStrategy = "selective"
)

// Merge folds contexts into base according to strategy. It never mutates
// base or any element of contexts; every field is copy-on-write, matching
// domain.Context.Clone's contract.
func Merge(strategy MergeStrategy, base domain.Context, contexts ...domain.Context) domain.Context {
	switch strategy {
	case MergeCumulative:
		return mergeCumulative(base, contexts...)
	case MergeSelective:
		return mergeSelective(base, contexts...)
	default:
		return mergeSequential(base, contexts...)
	}
}

// mergeSequential starts from base; each successor overwrites metadata
// keys, unions flags and scope, and the merged timestamp is the maximum
// across base and every successor.
func mergeSequential(base domain.Context, contexts ...domain.Context) domain.Context {
	out := base.Clone()
	for _, c := range contexts {
		out.Flags = unionStrings(out.Flags, c.Flags)
		out.Scope = unionStrings(out.Scope, c.Scope)
		out.Metadata = overwriteMetadata(out.Metadata, c.Metadata)
		if c.Timestamp.After(out.Timestamp) {
			out.Timestamp = c.Timestamp
		}
	}
	return out
}

// mergeCumulative unions flags and scope across base and every context,
// merges metadata latest-write-wins in the order given, and stamps the
// result with the current time rather than any input's timestamp.
func mergeCumulative(base domain.Context, contexts ...domain.Context) domain.Context {
	out := base.Clone()
	for _, c := range contexts {
		out.Flags = unionStrings(out.Flags, c.Flags)
		out.Scope = unionStrings(out.Scope, c.Scope)
		out.Metadata = overwriteMetadata(out.Metadata, c.Metadata)
	}
	out.Timestamp = time.Now()
	return out
}

// mergeSelective unions only flags containing "critical"/"important" and
// merges only metadata keys containing "result"/"status"/"metric" —
// everything else from the incoming contexts is dropped on the floor by
// design, keeping the merged Context lean at high fan-in boundaries.
func mergeSelective(base domain.Context, contexts ...domain.Context) domain.Context {
	out := base.Clone()
	for _, c := range contexts {
		for _, f := range c.Flags {
			if containsAny(f, "critical", "important") {
				out.Flags = appendUnique(out.Flags, f)
			}
		}
		for k, v := range c.Metadata {
			if containsAny(k, "result", "status", "metric") {
				if out.Metadata == nil {
					out.Metadata = make(map[string]string)
				}
				out.Metadata[k] = v
			}
		}
	}
	return out
}

func overwriteMetadata(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := append([]string(nil), a...)
	for _, v := range b {
		out = appendUnique(out, v)
	}
	return out
}

func appendUnique(s []string, v string) []string {
	for _, existing := range s {
		if existing == v {
			return s
		}
	}
	return append(s, v)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
