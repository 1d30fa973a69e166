// Package readmodel assembles the per-user journey view served by GET journey.
package readmodel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/vitalpath/journey/internal/cache"
	"github.com/vitalpath/journey/internal/journey"
	"github.com/vitalpath/journey/internal/observability"
	"github.com/vitalpath/journey/internal/validation"
)

// Repository is the read side of the store used to build the view.
type Repository interface {
	ListChapters(ctx context.Context) ([]journey.Chapter, error)
	ListUserStages(ctx context.Context, userID string) ([]journey.UserStage, error)
	ListUserTasks(ctx context.Context, userID string) ([]journey.UserTask, error)
	SumPoints(ctx context.Context, userID string) (int, error)
}

// Cache holds assembled journeys keyed by user ID. cache.Tiered implements it.
// Version is taken before a load and SetIfUnchanged drops the result when the
// user was invalidated while it ran.
type Cache interface {
	Get(ctx context.Context, key string) (Journey, bool)
	Version(ctx context.Context, key string) cache.Version
	SetIfUnchanged(ctx context.Context, key string, ver cache.Version, value Journey) bool
}

// Journey is the full view for one user.
type Journey struct {
	Auth        bool           `json:"auth"`
	Source      journey.Source `json:"source,omitempty"`
	Chapters    []Chapter      `json:"chapters"`
	Nodes       []Node         `json:"nodes"`
	TotalPoints int            `json:"total_points"`
	TotalBadges int            `json:"total_badges"`
}

// Chapter is a display group with its completion counts.
type Chapter struct {
	Code            string `json:"code"`
	Title           string `json:"title"`
	OrderIndex      int    `json:"order_index"`
	StagesTotal     int    `json:"stages_total"`
	StagesCompleted int    `json:"stages_completed"`
}

// Node is one stage instance on the journey map.
type Node struct {
	ID             string           `json:"id"`
	StageCode      string           `json:"stage_code"`
	ChapterCode    string           `json:"chapter_code"`
	Position       int              `json:"position"`
	Title          string           `json:"title"`
	Description    string           `json:"description,omitempty"`
	Icon           string           `json:"icon,omitempty"`
	Category       journey.Category `json:"category"`
	Status         journey.Status   `json:"status"`
	Progress       float64          `json:"progress"`
	PointsCurrent  int              `json:"points_current"`
	PointsTotal    int              `json:"points_total"`
	TasksCompleted int              `json:"tasks_completed"`
	TasksTotal     int              `json:"tasks_total"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	Tasks          []TaskNode       `json:"tasks"`
}

// TaskNode is one task instance inside a node.
type TaskNode struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Description string     `json:"description"`
	Points      int        `json:"points"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Note        string     `json:"note,omitempty"`
}

// Filter narrows a built journey. The zero value returns everything.
type Filter struct {
	Chapter string
}

// Empty is the logged-out shell: valid, with empty collections.
func Empty() Journey {
	return Journey{Chapters: []Chapter{}, Nodes: []Node{}}
}

// Builder assembles journeys, caching the unfiltered view per user.
type Builder struct {
	repo  Repository
	cache Cache
}

// NewBuilder wires a builder. cache may be nil to always read through.
func NewBuilder(repo Repository, cache Cache) *Builder {
	validation.AssertImplemented(repo, "read model repository")
	return &Builder{repo: repo, cache: cache}
}

// Build returns the user's journey. An empty userID yields Empty().
// Filtering runs after the cache so every chapter view shares one entry.
func (b *Builder) Build(ctx context.Context, userID string, f Filter) (Journey, error) {
	if userID == "" {
		return Empty(), nil
	}

	ctx, span := observability.Tracer().Start(ctx, "readmodel.Build")
	defer span.End()

	var ver cache.Version
	if b.cache != nil {
		if j, ok := b.cache.Get(ctx, userID); ok {
			span.SetAttributes(attribute.Bool("journey.cache_hit", true))
			return j.filter(f), nil
		}
		ver = b.cache.Version(ctx, userID)
	}

	j, err := b.load(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		return Journey{}, err
	}

	if b.cache != nil && !b.cache.SetIfUnchanged(ctx, userID, ver, j) {
		span.SetAttributes(attribute.Bool("journey.fill_skipped", true))
	}
	return j.filter(f), nil
}

func (b *Builder) load(ctx context.Context, userID string) (Journey, error) {
	var (
		chapters []journey.Chapter
		stages   []journey.UserStage
		tasks    []journey.UserTask
		points   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		chapters, err = b.repo.ListChapters(gctx)
		return err
	})
	g.Go(func() (err error) {
		stages, err = b.repo.ListUserStages(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		tasks, err = b.repo.ListUserTasks(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		points, err = b.repo.SumPoints(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Journey{}, fmt.Errorf("failed to load journey for %s: %w", userID, err)
	}

	return assemble(chapters, stages, tasks, points), nil
}

// assemble builds the view from raw rows. stages must be ordered by source
// then position, tasks by stage then order index.
func assemble(chapters []journey.Chapter, stages []journey.UserStage, tasks []journey.UserTask, points int) Journey {
	j := Journey{Auth: true, Chapters: []Chapter{}, Nodes: []Node{}, TotalPoints: points}

	source := activeSource(stages)
	j.Source = source

	tasksByStage := make(map[string][]TaskNode)
	for _, t := range tasks {
		tasksByStage[t.UserStageID] = append(tasksByStage[t.UserStageID], TaskNode{
			ID:          t.ID,
			Code:        t.TaskCode,
			Description: t.Description,
			Points:      t.Points,
			Completed:   t.IsCompleted,
			CompletedAt: t.CompletedAt,
			Note:        t.Note,
		})
	}

	counts := make(map[string]*Chapter)
	for _, st := range stages {
		if st.Source != source {
			continue
		}
		taskNodes := tasksByStage[st.ID]
		if taskNodes == nil {
			taskNodes = []TaskNode{}
		}
		done := 0
		for _, t := range taskNodes {
			if t.Completed {
				done++
			}
		}

		j.Nodes = append(j.Nodes, Node{
			ID:             st.ID,
			StageCode:      st.StageCode,
			ChapterCode:    st.ChapterCode,
			Position:       st.Position,
			Title:          st.Title,
			Description:    st.Description,
			Icon:           st.Icon,
			Category:       st.Category,
			Status:         st.Status,
			Progress:       st.Progress,
			PointsCurrent:  st.PointsCurrent,
			PointsTotal:    st.PointsTotal,
			TasksCompleted: done,
			TasksTotal:     len(taskNodes),
			StartedAt:      st.StartedAt,
			CompletedAt:    st.CompletedAt,
			Tasks:          taskNodes,
		})

		c, ok := counts[st.ChapterCode]
		if !ok {
			c = &Chapter{Code: st.ChapterCode}
			counts[st.ChapterCode] = c
		}
		c.StagesTotal++
		if st.Status == journey.StatusCompleted {
			c.StagesCompleted++
			j.TotalBadges++
		}
	}

	// Chapters come back in order_index order; only those with nodes are shown.
	for _, ch := range chapters {
		c, ok := counts[ch.Code]
		if !ok {
			continue
		}
		c.Title = ch.Title
		c.OrderIndex = ch.OrderIndex
		j.Chapters = append(j.Chapters, *c)
	}
	return j
}

// activeSource picks personalized when the user has any personalized stage.
func activeSource(stages []journey.UserStage) journey.Source {
	if len(stages) == 0 {
		return ""
	}
	for _, st := range stages {
		if st.Source == journey.SourcePersonalized {
			return journey.SourcePersonalized
		}
	}
	return journey.SourceSeed
}

// filter returns a copy restricted to f. Totals stay journey-wide.
func (j Journey) filter(f Filter) Journey {
	if f.Chapter == "" {
		return j
	}
	out := j
	out.Chapters = []Chapter{}
	out.Nodes = []Node{}
	for _, c := range j.Chapters {
		if c.Code == f.Chapter {
			out.Chapters = append(out.Chapters, c)
		}
	}
	for _, n := range j.Nodes {
		if n.ChapterCode == f.Chapter {
			out.Nodes = append(out.Nodes, n)
		}
	}
	return out
}
