// Package cleanup tears down provisioned resources for failed or removed
// deployments. Teardown is best effort: every step runs regardless of
// earlier failures, and failures are logged, not returned.
package cleanup

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
	"github.com/cooodecat/otto-handler-sub000/internal/idempotency"
	"github.com/cooodecat/otto-handler-sub000/internal/provision"
	"github.com/cooodecat/otto-handler-sub000/internal/repository"
)

// LogPipeline is the slice of the log streaming service cleanup drives.
type LogPipeline interface {
	StopPolling(executionID string) bool
	ClearBuffer(executionID string)
}

// Config tunes the coordinator.
type Config struct {
	SharedIngressName string
	StepTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	return c
}

// Coordinator reverses provisioning in the opposite order of creation:
// routing rule first so traffic stops, then the workload, then the
// resources nothing references anymore.
type Coordinator struct {
	deployments repository.DeploymentRepository
	events      repository.EventRepository
	logs        repository.LogRepository
	provisioner provision.Provisioner
	store       idempotency.Store
	pipeline    LogPipeline
	logger      *slog.Logger
	cfg         Config
}

// New constructs a Coordinator.
func New(deployments repository.DeploymentRepository, events repository.EventRepository, logs repository.LogRepository, provisioner provision.Provisioner, store idempotency.Store, pipeline LogPipeline, logger *slog.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		deployments: deployments,
		events:      events,
		logs:        logs,
		provisioner: provisioner,
		store:       store,
		pipeline:    pipeline,
		logger:      logger.With("component", "cleanup"),
		cfg:         cfg.withDefaults(),
	}
}

// RollbackDeployment tears down everything a deployment provisioned. Absent
// resource references are skipped, so a rollout that failed at step N cleans
// up exactly steps 1..N. The pipeline may be nil when its record is gone.
func (c *Coordinator) RollbackDeployment(ctx context.Context, deployment *domain.Deployment, pipeline *domain.Pipeline) {
	if deployment == nil {
		return
	}
	log := c.logger.With("deployment_id", deployment.ID, "pipeline_id", deployment.PipelineID)
	log.Info("rollback started", "service", deployment.Resources.ServiceName)

	res := deployment.Resources

	// Stop routing new traffic before touching the workload.
	if res.RuleArn != "" {
		c.step(ctx, log, "deregister routing rule", func(stepCtx context.Context) error {
			return c.provisioner.DeregisterRoutingRule(stepCtx, res.RuleArn)
		})
	}

	if res.ServiceName != "" {
		c.step(ctx, log, "scale service to zero", func(stepCtx context.Context) error {
			return c.provisioner.ScaleService(stepCtx, res.ServiceName, 0)
		})
		c.step(ctx, log, "delete service", func(stepCtx context.Context) error {
			return c.provisioner.DeleteService(stepCtx, res.ServiceName)
		})
	}

	if res.TargetGroupArn != "" {
		c.step(ctx, log, "delete target group", func(stepCtx context.Context) error {
			return c.provisioner.DeleteTarget(stepCtx, res.TargetGroupArn)
		})
	}

	if res.DNSRecord != "" {
		c.step(ctx, log, "delete dns record", func(stepCtx context.Context) error {
			ingress, err := c.provisioner.FindOrCreateIngress(stepCtx, c.cfg.SharedIngressName)
			if err != nil {
				return err
			}
			return c.provisioner.DeleteDNS(stepCtx, res.DNSRecord, ingress)
		})
	}

	for _, id := range res.SubscriptionIDs {
		sub := provision.Subscription{RuleName: id}
		c.step(ctx, log, "unsubscribe lifecycle", func(stepCtx context.Context) error {
			return c.provisioner.Unsubscribe(stepCtx, sub)
		})
	}

	c.purgeDedupRecords(ctx, log, res.ServiceName)
	c.purgeExecutionLogs(ctx, log, deployment)

	// Terminal deployments keep their status; the guard in the store makes
	// this a no-op for FAILED and SUCCESS.
	if err := c.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.DeploymentRolledBack,
		ErrorMessage: deployment.ErrorMessage,
	}); err != nil {
		log.Warn("rollback status update failed", "error", err)
	}
	log.Info("rollback finished")
}

// CleanupPipeline tears down the live deployment of a pipeline that is being
// deleted, then removes its stored logs.
func (c *Coordinator) CleanupPipeline(ctx context.Context, pipeline *domain.Pipeline) {
	deployment, err := c.deployments.GetLatestDeploymentByPipeline(ctx, pipeline.ID)
	if err != nil {
		c.logger.Info("no deployment to clean up", "pipeline_id", pipeline.ID)
		return
	}
	c.RollbackDeployment(ctx, deployment, pipeline)
}

// purgeDedupRecords removes idempotency keys for lifecycle events tied to
// the service, so a future deployment reusing the name is not suppressed.
func (c *Coordinator) purgeDedupRecords(ctx context.Context, log *slog.Logger, serviceName string) {
	if serviceName == "" || c.store == nil {
		return
	}
	ids, err := c.events.ListEventIDsForService(ctx, serviceName)
	if err != nil {
		log.Warn("failed to list dedup records", "service", serviceName, "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := c.store.Delete(ctx, ids...); err != nil {
		log.Warn("failed to delete dedup records", "service", serviceName, "count", len(ids), "error", err)
		return
	}
	log.Info("dedup records purged", "service", serviceName, "count", len(ids))
}

func (c *Coordinator) purgeExecutionLogs(ctx context.Context, log *slog.Logger, deployment *domain.Deployment) {
	executionID := executionIDFromMetadata(deployment.Metadata)
	if executionID == "" {
		return
	}
	if c.pipeline != nil {
		c.pipeline.StopPolling(executionID)
		c.pipeline.ClearBuffer(executionID)
	}
	if err := c.logs.DeleteLogLinesByExecution(ctx, executionID); err != nil {
		log.Warn("failed to delete execution logs", "execution_id", executionID, "error", err)
	}
}

func (c *Coordinator) step(ctx context.Context, log *slog.Logger, name string, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()
	if err := fn(stepCtx); err != nil {
		log.Warn("cleanup step failed", "step", name, "error", err)
		return
	}
	log.Debug("cleanup step done", "step", name)
}

func executionIDFromMetadata(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var m struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(metadata, &m); err != nil {
		return ""
	}
	return m.ExecutionID
}
