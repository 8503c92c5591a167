// Package categorize assigns archive categories to freshly embedded
// files. Candidates are the categories already present in the vector
// index, scored by cosine similarity against their centroids; files that
// match nothing well enough land in the configured default bucket.
package categorize

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"github.com/shelf-app/shelfd/internal/config"
	"github.com/shelf-app/shelfd/internal/embedding"
	"github.com/shelf-app/shelfd/internal/extract"
	"github.com/shelf-app/shelfd/internal/index"
)

// familyAffinityBonus is added to a candidate's score when the file's
// type family matches the dominant family of the category's members.
const familyAffinityBonus = 0.03

// maxCategorySegment bounds the length of an LLM-proposed category name.
const maxCategorySegment = 40

// StatsSource supplies per-category centroids from the vector index.
type StatsSource interface {
	CategoryStats(model string) (map[string]index.CategoryStats, error)
}

// Input carries everything known about a file at categorization time.
type Input struct {
	Name      string
	FileType  string
	Content   extract.Content
	Embedding embedding.Embedding
}

// Categorizer scores embeddings against existing category centroids.
// When no existing category is confident enough and a namer is present,
// it asks the chat model to propose a new category name.
type Categorizer struct {
	stats  StatsSource
	namer  embedding.Chatter
	cfg    config.CategorizeConfig
	logger *slog.Logger
}

// New creates a Categorizer. namer may be nil; without one, low-confidence
// files go straight to the default bucket.
func New(stats StatsSource, namer embedding.Chatter, cfg config.CategorizeConfig, logger *slog.Logger) *Categorizer {
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = "Uncategorized"
	}
	return &Categorizer{stats: stats, namer: namer, cfg: cfg, logger: logger}
}

// Categorize picks a category for the file. It never fails the pipeline:
// any internal error degrades to the default bucket and is logged.
func (c *Categorizer) Categorize(ctx context.Context, in Input) string {
	stats, err := c.stats.CategoryStats(in.Embedding.Model)
	if err != nil {
		c.logger.Warn("category stats unavailable, using default bucket",
			"file", in.Name, "error", err)
		return c.cfg.DefaultCategory
	}

	best, bestScore := c.pickExisting(in, stats)
	if best != "" && bestScore >= c.cfg.MinConfidence {
		c.logger.Debug("categorized by centroid",
			"file", in.Name, "category", best, "score", bestScore)
		return best
	}

	if proposed := c.propose(ctx, in); proposed != "" {
		c.logger.Debug("categorized by naming model",
			"file", in.Name, "category", proposed)
		return proposed
	}
	return c.cfg.DefaultCategory
}

// pickExisting scores the file against every known centroid and returns
// the winner. Candidates within Epsilon of the top score tie-break toward
// the larger category, then alphabetically for determinism.
func (c *Categorizer) pickExisting(in Input, stats map[string]index.CategoryStats) (string, float64) {
	family, _ := extract.FamilyOf(in.FileType)

	scores := make(map[string]float64, len(stats))
	var top float64 = -1
	for name, st := range stats {
		score := cosine(in.Embedding.Vector, st.Centroid)
		if family != "" && dominantFamily(st.TypeCounts) == family {
			score += familyAffinityBonus
		}
		scores[name] = score
		if score > top {
			top = score
		}
	}
	if top < 0 {
		return "", 0
	}

	var best string
	bestMembers := -1
	for name, score := range scores {
		if top-score > c.cfg.Epsilon {
			continue
		}
		members := stats[name].Members
		if members > bestMembers || (members == bestMembers && name < best) {
			best = name
			bestMembers = members
		}
	}
	return best, scores[best]
}

// propose asks the chat model for a single folder name describing the
// file. Empty string means no usable proposal.
func (c *Categorizer) propose(ctx context.Context, in Input) string {
	if c.namer == nil {
		return ""
	}

	snippet := in.Content.Text
	if len(snippet) > 500 {
		snippet = snippet[:500]
	}
	prompt := "You organize a personal file archive. Given a file, answer with " +
		"one short folder name for it (1-3 words, no slashes, no punctuation). " +
		"Answer with the folder name only.\n\n" +
		"File name: " + in.Name + "\n" +
		"Content excerpt: " + snippet

	answer, err := c.namer.Chat(ctx, prompt)
	if err != nil {
		c.logger.Warn("category naming failed, using default bucket",
			"file", in.Name, "error", err)
		return ""
	}
	return sanitizeSegment(answer)
}

// dominantFamily returns the family covering the majority of a category's
// members, or "" when no family holds a strict majority.
func dominantFamily(typeCounts map[string]int) extract.Family {
	totals := make(map[extract.Family]int)
	all := 0
	for fileType, n := range typeCounts {
		if fam, ok := extract.FamilyOf(fileType); ok {
			totals[fam] += n
		}
		all += n
	}
	for fam, n := range totals {
		if n*2 > all {
			return fam
		}
	}
	return ""
}

// sanitizeSegment reduces a model answer to a single safe path segment.
// Path separators, control characters, and shell-hostile punctuation are
// dropped; an answer that sanitizes to nothing is rejected.
func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune(r)
		}
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	if len(out) > maxCategorySegment {
		out = strings.TrimSpace(out[:maxCategorySegment])
	}
	if out == "" || out == "." || out == ".." {
		return ""
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
