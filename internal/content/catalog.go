// Package content loads the authored stage catalog from TOML and compiles it
// into validated templates for the store.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/vitalpath/journey/internal/journey"
	"github.com/vitalpath/journey/internal/ruleengine"
)

// codeRegex keeps codes URL-safe slugs (lowercase, numbers, hyphens).
var codeRegex = regexp.MustCompile(`^[a-z0-9-]{2,64}$`)

// Catalog is the authored document: [[chapter]] and [[stage]] tables with
// nested [[stage.task]] tables.
type Catalog struct {
	Chapters []ChapterDoc `toml:"chapter"`
	Stages   []StageDoc   `toml:"stage"`
}

// ChapterDoc is one [[chapter]] table.
type ChapterDoc struct {
	Code  string `toml:"code"`
	Title string `toml:"title"`
	Order int    `toml:"order"`
}

// StageDoc is one [[stage]] table.
type StageDoc struct {
	Code         string          `toml:"code"`
	Chapter      string          `toml:"chapter"`
	Order        int             `toml:"order"`
	Title        string          `toml:"title"`
	Description  string          `toml:"description"`
	Icon         string          `toml:"icon"`
	Category     string          `toml:"category"`
	RewardPoints int             `toml:"reward_points"`
	Seed         bool            `toml:"seed"`
	Requirements RequirementsDoc `toml:"requirements"`
	Tasks        []TaskDoc       `toml:"task"`
}

// TaskDoc is one [[stage.task]] table.
type TaskDoc struct {
	Code        string       `toml:"code"`
	Order       int          `toml:"order"`
	Description string       `toml:"description"`
	Points      int          `toml:"points"`
	Condition   ConditionDoc `toml:"condition"`
}

// RuleDoc is one metric threshold.
type RuleDoc struct {
	Metric     string   `toml:"metric"`
	Gte        *float64 `toml:"gte"`
	Lte        *float64 `toml:"lte"`
	WindowDays int      `toml:"window_days"`
}

// RequirementsDoc is the composite rule form.
type RequirementsDoc struct {
	Logic       string    `toml:"logic"`
	Rules       []RuleDoc `toml:"rules"`
	UnlockAnyOf []RuleDoc `toml:"unlock_any_of"`
}

// ConditionDoc accepts either a single rule (metric/gte/lte inline) or the
// composite form.
type ConditionDoc struct {
	RuleDoc
	RequirementsDoc
}

// Parse decodes a catalog. Unknown keys are rejected so typos fail loudly.
func Parse(r io.Reader) (*Catalog, error) {
	var c Catalog
	md, err := toml.NewDecoder(r).Decode(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown catalog keys: %s", strings.Join(keys, ", "))
	}
	return &c, nil
}

// LoadFile parses the catalog at path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Compile validates the catalog and converts it into store templates.
// Every problem is reported, joined into one error.
func (c *Catalog) Compile() ([]journey.Chapter, []journey.Stage, error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	chapters := make([]journey.Chapter, 0, len(c.Chapters))
	chapterCodes := make(map[string]struct{}, len(c.Chapters))
	chapterOrders := make(map[int]string, len(c.Chapters))
	for i, ch := range c.Chapters {
		code := strings.TrimSpace(ch.Code)
		switch {
		case !codeRegex.MatchString(code):
			fail("chapter[%d]: code %q must be a lowercase slug", i, ch.Code)
		case hasKey(chapterCodes, code):
			fail("chapter %q: duplicate code", code)
		}
		if strings.TrimSpace(ch.Title) == "" {
			fail("chapter %q: title is required", code)
		}
		if other, dup := chapterOrders[ch.Order]; dup {
			fail("chapter %q: order %d already used by %q", code, ch.Order, other)
		}
		chapterOrders[ch.Order] = code
		chapterCodes[code] = struct{}{}
		chapters = append(chapters, journey.Chapter{Code: code, Title: strings.TrimSpace(ch.Title), OrderIndex: ch.Order})
	}

	stages := make([]journey.Stage, 0, len(c.Stages))
	stageCodes := make(map[string]struct{}, len(c.Stages))
	taskCodes := make(map[string]struct{})
	orders := make(map[int]string, len(c.Stages))
	for i, st := range c.Stages {
		code := strings.TrimSpace(st.Code)
		switch {
		case !codeRegex.MatchString(code):
			fail("stage[%d]: code %q must be a lowercase slug", i, st.Code)
		case hasKey(stageCodes, code):
			fail("stage %q: duplicate code", code)
		}
		stageCodes[code] = struct{}{}

		if !hasKey(chapterCodes, st.Chapter) {
			fail("stage %q: unknown chapter %q", code, st.Chapter)
		}
		if other, dup := orders[st.Order]; dup {
			fail("stage %q: order %d already used by %q", code, st.Order, other)
		}
		orders[st.Order] = code
		if strings.TrimSpace(st.Title) == "" {
			fail("stage %q: title is required", code)
		}
		category := journey.Category(st.Category)
		if !category.Valid() {
			fail("stage %q: unknown category %q", code, st.Category)
		}
		if st.RewardPoints < 0 {
			fail("stage %q: reward_points must not be negative", code)
		}

		req, err := st.Requirements.compile()
		if err != nil {
			fail("stage %q requirements: %w", code, err)
		}

		tasks := make([]journey.Task, 0, len(st.Tasks))
		taskPoints := 0
		for j, t := range st.Tasks {
			tcode := strings.TrimSpace(t.Code)
			switch {
			case !codeRegex.MatchString(tcode):
				fail("stage %q task[%d]: code %q must be a lowercase slug", code, j, t.Code)
			case hasKey(taskCodes, tcode):
				fail("task %q: duplicate code", tcode)
			}
			taskCodes[tcode] = struct{}{}
			if t.Points < 0 {
				fail("task %q: points must not be negative", tcode)
			}
			taskPoints += t.Points
			if strings.TrimSpace(t.Description) == "" {
				fail("task %q: description is required", tcode)
			}
			cond, err := t.Condition.compile()
			if err != nil {
				fail("task %q condition: %w", tcode, err)
			}
			tasks = append(tasks, journey.Task{
				Code:        tcode,
				OrderIndex:  t.Order,
				Description: strings.TrimSpace(t.Description),
				Condition:   cond,
				Points:      t.Points,
			})
		}

		// The ledger pays each task's full points, so the tasks together must
		// fit inside the stage's value.
		if taskPoints > st.RewardPoints {
			fail("stage %q: task points total %d exceeds reward_points %d", code, taskPoints, st.RewardPoints)
		}

		stages = append(stages, journey.Stage{
			Code:         code,
			ChapterCode:  st.Chapter,
			OrderIndex:   st.Order,
			Title:        strings.TrimSpace(st.Title),
			Description:  strings.TrimSpace(st.Description),
			Icon:         st.Icon,
			Category:     category,
			Requirements: req,
			RewardPoints: st.RewardPoints,
			Seed:         st.Seed,
			Tasks:        tasks,
		})
	}

	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}

	sort.SliceStable(chapters, func(i, j int) bool { return chapters[i].OrderIndex < chapters[j].OrderIndex })
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].OrderIndex < stages[j].OrderIndex })
	return chapters, stages, nil
}

// CatalogWriter persists compiled templates. *store.PostgresStore implements it.
type CatalogWriter interface {
	ApplyCatalog(ctx context.Context, chapters []journey.Chapter, stages []journey.Stage) error
}

// Apply compiles c and upserts it in one transaction. Returns the number of
// stages written.
func Apply(ctx context.Context, w CatalogWriter, c *Catalog) (int, error) {
	chapters, stages, err := c.Compile()
	if err != nil {
		return 0, err
	}
	if err := w.ApplyCatalog(ctx, chapters, stages); err != nil {
		return 0, fmt.Errorf("failed to apply catalog: %w", err)
	}
	return len(stages), nil
}

func (d RuleDoc) compile() (ruleengine.MetricRule, error) {
	return ruleengine.NewMetricRule(d.Metric, d.Gte, d.Lte, d.WindowDays)
}

func (d RequirementsDoc) compile() (ruleengine.Requirements, error) {
	rules, err := compileRules("rules", d.Rules)
	if err != nil {
		return ruleengine.Requirements{}, err
	}
	bonus, err := compileRules("unlock_any_of", d.UnlockAnyOf)
	if err != nil {
		return ruleengine.Requirements{}, err
	}
	return ruleengine.NewRequirements(ruleengine.Logic(d.Logic), rules, bonus)
}

func (d ConditionDoc) compile() (ruleengine.Requirements, error) {
	single := d.Metric != ""
	composite := d.Logic != "" || len(d.Rules) > 0 || len(d.UnlockAnyOf) > 0
	switch {
	case single && composite:
		return ruleengine.Requirements{}, errors.New("use either an inline rule or logic/rules, not both")
	case single:
		rule, err := d.RuleDoc.compile()
		if err != nil {
			return ruleengine.Requirements{}, err
		}
		return ruleengine.NewRequirements(ruleengine.LogicAnd, []ruleengine.MetricRule{rule}, nil)
	default:
		return d.RequirementsDoc.compile()
	}
}

func compileRules(field string, docs []RuleDoc) ([]ruleengine.MetricRule, error) {
	rules := make([]ruleengine.MetricRule, 0, len(docs))
	for i, doc := range docs {
		rule, err := doc.compile()
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}
