package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
	"github.com/cooodecat/otto-handler-sub000/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.PipelineRepository   = (*Repository)(nil)
	_ repository.ExecutionRepository  = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
	_ repository.EventRepository      = (*Repository)(nil)
)

const executionColumns = `id, pipeline_id, project_id, user_id, status, type,
	external_id, log_group, log_stream, started_at, completed_at, updated_at,
	duration_seconds, metadata`

// GetPipelineByID fetches a pipeline by identifier.
func (r *Repository) GetPipelineByID(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	const query = `SELECT id, project_id, user_id, name, image_uri, container_port,
		healthcheck_path, run_command, env, deploy_host, created_at, updated_at
		FROM pipelines WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, pipelineID)
	var p domain.Pipeline
	if err := row.Scan(&p.ID, &p.ProjectID, &p.UserID, &p.Name, &p.ImageURI, &p.ContainerPort,
		&p.HealthCheckPath, &p.RunCommand, &p.Env, &p.DeployHost, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpdatePipelineDeployHost persists the generated deploy hostname for reuse
// across subsequent rollouts of the same pipeline.
func (r *Repository) UpdatePipelineDeployHost(ctx context.Context, pipelineID, host string) error {
	const query = `UPDATE pipelines SET deploy_host = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, pipelineID, host)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateExecution inserts an execution record.
func (r *Repository) CreateExecution(ctx context.Context, execution *domain.Execution) error {
	const query = `INSERT INTO executions (id, pipeline_id, project_id, user_id, status, type,
		external_id, log_group, log_stream, started_at, updated_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query, execution.ID, execution.PipelineID, execution.ProjectID,
		execution.UserID, execution.Status, execution.Type, execution.ExternalID,
		execution.LogGroup, execution.LogStream, execution.StartedAt, execution.UpdatedAt,
		execution.Metadata)
	return err
}

// GetExecutionByID retrieves an execution by identifier.
func (r *Repository) GetExecutionByID(ctx context.Context, executionID string) (*domain.Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM executions WHERE id = $1`, executionColumns)
	return r.scanExecution(r.pool.QueryRow(ctx, query, executionID))
}

// GetExecutionByExternalID retrieves an execution by its provider correlation id.
func (r *Repository) GetExecutionByExternalID(ctx context.Context, externalID string) (*domain.Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM executions WHERE external_id = $1`, executionColumns)
	return r.scanExecution(r.pool.QueryRow(ctx, query, externalID))
}

// FindPendingExecution returns the most recent PENDING execution of the given
// type for a pipeline, used to bind pre-created executions to build events.
func (r *Repository) FindPendingExecution(ctx context.Context, pipelineID, executionType string) (*domain.Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM executions
		WHERE pipeline_id = $1 AND type = $2 AND status = $3
		ORDER BY started_at DESC LIMIT 1`, executionColumns)
	return r.scanExecution(r.pool.QueryRow(ctx, query, pipelineID, executionType, domain.ExecutionPending))
}

// BindExecutionExternal attaches the provider correlation id and log stream
// reference to an execution and marks it RUNNING.
func (r *Repository) BindExecutionExternal(ctx context.Context, executionID, externalID, logGroup, logStream string) error {
	const query = `UPDATE executions
		SET external_id = $2, log_group = $3, log_stream = $4, status = $5, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($6, $7)`
	tag, err := r.pool.Exec(ctx, query, executionID, externalID, logGroup, logStream,
		domain.ExecutionRunning, domain.ExecutionSuccess, domain.ExecutionFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.executionMissingOrTerminal(ctx, executionID)
	}
	return nil
}

// UpdateExecutionStatus applies a status update. Updates against a terminal
// execution are silent no-ops; the row is guarded in SQL so concurrent
// deliveries cannot resurrect a finished execution.
func (r *Repository) UpdateExecutionStatus(ctx context.Context, update domain.ExecutionStatusUpdate) error {
	const query = `UPDATE executions
		SET status = $2, completed_at = COALESCE($3, completed_at),
			duration_seconds = COALESCE($4, duration_seconds), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($5, $6)`
	tag, err := r.pool.Exec(ctx, query, update.ExecutionID, update.Status,
		update.CompletedAt, update.DurationSeconds, domain.ExecutionSuccess, domain.ExecutionFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.executionMissingOrTerminal(ctx, update.ExecutionID)
	}
	return nil
}

func (r *Repository) executionMissingOrTerminal(ctx context.Context, executionID string) error {
	const query = `SELECT 1 FROM executions WHERE id = $1`
	var one int
	if err := r.pool.QueryRow(ctx, query, executionID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	// Row exists but is terminal: treat as a no-op.
	return nil
}

func (r *Repository) scanExecution(row pgx.Row) (*domain.Execution, error) {
	var e domain.Execution
	if err := row.Scan(&e.ID, &e.PipelineID, &e.ProjectID, &e.UserID, &e.Status, &e.Type,
		&e.ExternalID, &e.LogGroup, &e.LogStream, &e.StartedAt, &e.CompletedAt, &e.UpdatedAt,
		&e.DurationSeconds, &e.Metadata); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

const deploymentColumns = `id, pipeline_id, user_id, status, type, deploy_host,
	error_message, load_balancer_arn, listener_arn, rule_arn, target_group_arn,
	service_arn, service_name, dns_record, subscription_ids, metadata,
	started_at, completed_at, updated_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, pipeline_id, user_id, status, type,
		deploy_host, metadata, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, deployment.ID, deployment.PipelineID, deployment.UserID,
		deployment.Status, deployment.Type, deployment.DeployHost, deployment.Metadata,
		deployment.StartedAt, deployment.UpdatedAt)
	return err
}

// GetDeploymentByID retrieves a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := fmt.Sprintf(`SELECT %s FROM deployments WHERE id = $1`, deploymentColumns)
	return r.scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// GetDeploymentByServiceName returns the most recent deployment attached to a
// compute service, used to correlate async lifecycle events.
func (r *Repository) GetDeploymentByServiceName(ctx context.Context, serviceName string) (*domain.Deployment, error) {
	query := fmt.Sprintf(`SELECT %s FROM deployments WHERE service_name = $1
		ORDER BY started_at DESC LIMIT 1`, deploymentColumns)
	return r.scanDeployment(r.pool.QueryRow(ctx, query, serviceName))
}

// GetDeploymentByTargetGroup returns the most recent deployment using a target group.
func (r *Repository) GetDeploymentByTargetGroup(ctx context.Context, targetGroupArn string) (*domain.Deployment, error) {
	query := fmt.Sprintf(`SELECT %s FROM deployments WHERE target_group_arn = $1
		ORDER BY started_at DESC LIMIT 1`, deploymentColumns)
	return r.scanDeployment(r.pool.QueryRow(ctx, query, targetGroupArn))
}

// GetLatestDeploymentByPipeline returns the newest deployment for a pipeline.
func (r *Repository) GetLatestDeploymentByPipeline(ctx context.Context, pipelineID string) (*domain.Deployment, error) {
	query := fmt.Sprintf(`SELECT %s FROM deployments WHERE pipeline_id = $1
		ORDER BY started_at DESC LIMIT 1`, deploymentColumns)
	return r.scanDeployment(r.pool.QueryRow(ctx, query, pipelineID))
}

// UpdateDeploymentStatus applies a status update with the same terminal-state
// guard as executions.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = $2, error_message = COALESCE(NULLIF($3, ''), error_message),
			completed_at = COALESCE($4, completed_at), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($5, $6, $7)`
	tag, err := r.pool.Exec(ctx, query, update.DeploymentID, update.Status, update.ErrorMessage,
		update.CompletedAt, domain.DeploymentSuccess, domain.DeploymentFailed, domain.DeploymentRolledBack)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.deploymentMissingOrTerminal(ctx, update.DeploymentID)
	}
	return nil
}

// UpdateDeploymentResources persists resolved cloud resource references.
func (r *Repository) UpdateDeploymentResources(ctx context.Context, deploymentID string, resources domain.DeploymentResources) error {
	const query = `UPDATE deployments
		SET load_balancer_arn = $2, listener_arn = $3, rule_arn = $4, target_group_arn = $5,
			service_arn = $6, service_name = $7, dns_record = $8, subscription_ids = $9,
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, resources.LoadBalancerArn,
		resources.ListenerArn, resources.RuleArn, resources.TargetGroupArn,
		resources.ServiceArn, resources.ServiceName, resources.DNSRecord, resources.SubscriptionIDs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) deploymentMissingOrTerminal(ctx context.Context, deploymentID string) error {
	const query = `SELECT 1 FROM deployments WHERE id = $1`
	var one int
	if err := r.pool.QueryRow(ctx, query, deploymentID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

func (r *Repository) scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.PipelineID, &d.UserID, &d.Status, &d.Type, &d.DeployHost,
		&d.ErrorMessage, &d.Resources.LoadBalancerArn, &d.Resources.ListenerArn,
		&d.Resources.RuleArn, &d.Resources.TargetGroupArn, &d.Resources.ServiceArn,
		&d.Resources.ServiceName, &d.Resources.DNSRecord, &d.Resources.SubscriptionIDs,
		&d.Metadata, &d.StartedAt, &d.CompletedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// AppendLogLines persists a batch of log lines in one transaction so a poller
// tick is either fully applied or not at all. Duplicate line numbers from a
// racing poller restart land on the unique index and are dropped.
func (r *Repository) AppendLogLines(ctx context.Context, lines []domain.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO execution_logs (execution_id, ts, message, level, phase, step, line_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id, line_order) DO NOTHING`
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(query, line.ExecutionID, line.Timestamp, line.Message, line.Level,
			line.Phase, line.Step, line.LineOrder)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CountLogLines counts persisted lines for an execution.
func (r *Repository) CountLogLines(ctx context.Context, executionID string) (int, error) {
	const query = `SELECT COUNT(1) FROM execution_logs WHERE execution_id = $1`
	var count int
	if err := r.pool.QueryRow(ctx, query, executionID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListLogLines returns lines for an execution in append order.
func (r *Repository) ListLogLines(ctx context.Context, executionID string, limit, offset int) ([]domain.LogLine, error) {
	const query = `SELECT id, execution_id, ts, message, level, phase, step, line_order
		FROM execution_logs WHERE execution_id = $1
		ORDER BY line_order ASC, id ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, executionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.LogLine
	for rows.Next() {
		var l domain.LogLine
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Timestamp, &l.Message, &l.Level,
			&l.Phase, &l.Step, &l.LineOrder); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// DeleteLogLinesByExecution removes all persisted lines for an execution.
func (r *Repository) DeleteLogLinesByExecution(ctx context.Context, executionID string) error {
	const query = `DELETE FROM execution_logs WHERE execution_id = $1`
	_, err := r.pool.Exec(ctx, query, executionID)
	return err
}

// InsertEvent records a first-seen inbound event for audit and replay.
func (r *Repository) InsertEvent(ctx context.Context, event *domain.ExternalEvent) error {
	const query = `INSERT INTO inbound_events (id, source, detail_type, event_time, region, account, detail, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, event.ID, event.Source, event.DetailType,
		event.Time, event.Region, event.Account, event.Detail)
	return err
}

// ListEventIDsForService returns audit event ids whose payload references
// the given compute service, so cleanup can drop their idempotency records.
func (r *Repository) ListEventIDsForService(ctx context.Context, serviceName string) ([]string, error) {
	const query = `SELECT id FROM inbound_events WHERE detail->>'group' = $1`
	rows, err := r.pool.Query(ctx, query, "service:"+serviceName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteEventsBefore prunes audit events received before the cutoff.
func (r *Repository) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM inbound_events WHERE received_at < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
