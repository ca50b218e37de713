// Package queue builds the ordered document work queue for a run.
package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

// Catalog is the slice of the catalog client the builder needs.
type Catalog interface {
	ListProjects(ctx context.Context, page, pageSize int) ([]models.CatalogProject, error)
	GetProjectByID(ctx context.Context, id string) (*models.CatalogProject, error)
	ListDocuments(ctx context.Context, projectID string, page, pageSize int) ([]models.CatalogDoc, error)
	PageSize() int
}

// StatusSource resolves the current terminal status per document.
type StatusSource interface {
	LatestStatuses(ctx context.Context, projectID string) (map[string]models.Status, error)
}

// Cleaner is the slice of the repair service the builder needs for
// pre-cleanup in the retry and repair modes.
type Cleaner interface {
	BulkCleanupFailedDocuments(ctx context.Context, projectIDs []string) ([]models.DocumentRef, error)
	BulkCleanupRepairCandidates(ctx context.Context, projectIDs []string) ([]models.DocumentRef, error)
	CleanupProjectData(ctx context.Context, projectID string) error
}

// Options select the run mode. The zero value is a normal run over the
// whole catalog.
type Options struct {
	// ProjectIDs restricts the run; empty means every catalog project.
	ProjectIDs []string
	// RetryFailed queues documents whose latest log is a failure, after
	// bulk-cleaning their residue.
	RetryFailed bool
	// RetrySkipped queues documents whose latest log is a skip. No
	// cleanup runs; skipped documents persist nothing.
	RetrySkipped bool
	// Repair queues the documents flagged inconsistent by the repair
	// analysis, after bulk-cleaning them.
	Repair bool
	// Reset wipes a single project and queues all of its documents.
	Reset bool
}

func (o Options) validate() error {
	if o.Reset {
		if o.RetryFailed || o.RetrySkipped || o.Repair {
			return fmt.Errorf("reset cannot be combined with retry or repair modes")
		}
		if len(o.ProjectIDs) != 1 {
			return fmt.Errorf("reset requires exactly one project id, got %d", len(o.ProjectIDs))
		}
	}
	if o.Repair && (o.RetryFailed || o.RetrySkipped) {
		return fmt.Errorf("repair cannot be combined with retry modes")
	}
	return nil
}

func (o Options) describe() string {
	switch {
	case o.Reset:
		return "reset"
	case o.Repair:
		return "repair"
	case o.RetryFailed && o.RetrySkipped:
		return "retry-failed+retry-skipped"
	case o.RetryFailed:
		return "retry-failed"
	case o.RetrySkipped:
		return "retry-skipped"
	default:
		return "normal"
	}
}

// Builder assembles DocumentTask streams by joining the catalog's
// document lists against the processing log state.
type Builder struct {
	catalog  Catalog
	statuses StatusSource
	cleaner  Cleaner
	logger   observability.Logger
}

// NewBuilder creates a work queue builder.
func NewBuilder(catalog Catalog, statuses StatusSource, cleaner Cleaner, logger observability.Logger) *Builder {
	return &Builder{
		catalog:  catalog,
		statuses: statuses,
		cleaner:  cleaner,
		logger:   logger.WithPrefix("queue"),
	}
}

// Build returns the run's tasks in catalog order per project. Projects
// are emitted sequentially; the dispatcher treats the stream as flat.
func (b *Builder) Build(ctx context.Context, opts Options) ([]models.DocumentTask, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	// Pre-cleanup phases. The cleaned refs define the requeue set for
	// the retry-failed and repair modes.
	var wanted refSet
	switch {
	case opts.Reset:
		if err := b.cleaner.CleanupProjectData(ctx, opts.ProjectIDs[0]); err != nil {
			return nil, fmt.Errorf("failed to reset project %s: %w", opts.ProjectIDs[0], err)
		}
	case opts.Repair:
		refs, err := b.cleaner.BulkCleanupRepairCandidates(ctx, opts.ProjectIDs)
		if err != nil {
			return nil, err
		}
		wanted = newRefSet(refs)
	case opts.RetryFailed:
		refs, err := b.cleaner.BulkCleanupFailedDocuments(ctx, opts.ProjectIDs)
		if err != nil {
			return nil, err
		}
		wanted = newRefSet(refs)
	}

	projects, err := b.selectProjects(ctx, opts, wanted)
	if err != nil {
		return nil, err
	}

	var tasks []models.DocumentTask
	for _, project := range projects {
		projectTasks, err := b.projectTasks(ctx, project, opts, wanted)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, projectTasks...)
	}

	b.logger.Info("Work queue built", map[string]interface{}{
		"mode":     opts.describe(),
		"projects": len(projects),
		"tasks":    len(tasks),
	})
	return tasks, nil
}

// selectProjects resolves the project list for the run. Ref-driven
// modes without an explicit project list only need the projects the
// cleanup touched.
func (b *Builder) selectProjects(ctx context.Context, opts Options, wanted refSet) ([]models.CatalogProject, error) {
	ids := opts.ProjectIDs
	if len(ids) == 0 && (opts.Repair || (opts.RetryFailed && !opts.RetrySkipped)) {
		ids = wanted.projectIDs()
		if len(ids) == 0 {
			return nil, nil
		}
	}

	if len(ids) > 0 {
		projects := make([]models.CatalogProject, 0, len(ids))
		for _, id := range ids {
			project, err := b.catalog.GetProjectByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if project == nil {
				b.logger.Warn("Project not found in catalog, skipping", map[string]interface{}{
					"project_id": id,
				})
				continue
			}
			projects = append(projects, *project)
		}
		return projects, nil
	}

	var projects []models.CatalogProject
	pageSize := b.catalog.PageSize()
	for page := 0; ; page++ {
		batch, err := b.catalog.ListProjects(ctx, page, pageSize)
		if err != nil {
			return nil, err
		}
		projects = append(projects, batch...)
		if len(batch) < pageSize {
			break
		}
	}
	return projects, nil
}

func (b *Builder) projectTasks(ctx context.Context, project models.CatalogProject, opts Options, wanted refSet) ([]models.DocumentTask, error) {
	include, isRetry, err := b.selectionFor(ctx, project.ID, opts, wanted)
	if err != nil {
		return nil, err
	}

	var tasks []models.DocumentTask
	pageSize := b.catalog.PageSize()
	for page := 0; ; page++ {
		docs, err := b.catalog.ListDocuments(ctx, project.ID, page, pageSize)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			if !include(doc.ID) {
				continue
			}
			tasks = append(tasks, models.DocumentTask{
				ProjectID:       project.ID,
				ProjectName:     project.Name,
				ProjectMetadata: project.Raw,
				ObjectKey:       doc.InternalURL,
				Doc:             doc,
				IsRetry:         isRetry,
			})
		}
		if len(docs) < pageSize {
			break
		}
	}
	return tasks, nil
}

// selectionFor returns the per-document include predicate for one
// project, plus whether emitted tasks count as retries.
func (b *Builder) selectionFor(ctx context.Context, projectID string, opts Options, wanted refSet) (func(string) bool, bool, error) {
	switch {
	case opts.Reset:
		return func(string) bool { return true }, false, nil

	case opts.Repair:
		return func(docID string) bool { return wanted.has(projectID, docID) }, true, nil

	case opts.RetryFailed || opts.RetrySkipped:
		var skipped map[string]bool
		if opts.RetrySkipped {
			statuses, err := b.statuses.LatestStatuses(ctx, projectID)
			if err != nil {
				return nil, false, err
			}
			skipped = make(map[string]bool)
			for docID, status := range statuses {
				if status == models.StatusSkipped {
					skipped[docID] = true
				}
			}
		}
		return func(docID string) bool {
			if opts.RetryFailed && wanted.has(projectID, docID) {
				return true
			}
			return skipped[docID]
		}, true, nil

	default:
		statuses, err := b.statuses.LatestStatuses(ctx, projectID)
		if err != nil {
			return nil, false, err
		}
		return func(docID string) bool {
			_, seen := statuses[docID]
			return !seen
		}, false, nil
	}
}

// refSet indexes (project_id, document_id) pairs.
type refSet map[string]map[string]bool

func newRefSet(refs []models.DocumentRef) refSet {
	set := make(refSet)
	for _, ref := range refs {
		if set[ref.ProjectID] == nil {
			set[ref.ProjectID] = make(map[string]bool)
		}
		set[ref.ProjectID][ref.DocumentID] = true
	}
	return set
}

func (s refSet) has(projectID, documentID string) bool {
	return s[projectID][documentID]
}

func (s refSet) projectIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
