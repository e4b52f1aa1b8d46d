// Package deploy runs the deployment rollout state machine: synchronous
// resource provisioning followed by asynchronous completion driven by
// provider lifecycle events.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
	"github.com/cooodecat/otto-handler-sub000/internal/logstream"
	"github.com/cooodecat/otto-handler-sub000/internal/metrics"
	"github.com/cooodecat/otto-handler-sub000/internal/provision"
	"github.com/cooodecat/otto-handler-sub000/internal/repository"
)

// Command asks the orchestrator to roll out a pipeline. Commands arrive
// through a queue so event processing never blocks on provisioning.
type Command struct {
	PipelineID  string
	UserID      string
	ExecutionID string
}

// Cleaner reverses provisioning for a failed or abandoned deployment.
type Cleaner interface {
	RollbackDeployment(ctx context.Context, deployment *domain.Deployment, pipeline *domain.Pipeline)
}

// Config tunes the orchestrator.
type Config struct {
	SharedIngressName string
	DomainSuffix      string
	StepTimeout       time.Duration
	QueueSize         int
	DesiredCount      int
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DesiredCount <= 0 {
		c.DesiredCount = 1
	}
	return c
}

// Orchestrator drives deployments: PENDING -> IN_PROGRESS ->
// [CONFIGURING_ALB] -> DEPLOYING_ECS -> WAITING_HEALTH_CHECK ->
// {SUCCESS, FAILED, ROLLED_BACK}.
type Orchestrator struct {
	pipelines   repository.PipelineRepository
	deployments repository.DeploymentRepository
	provisioner provision.Provisioner
	cleaner     Cleaner
	notifier    logstream.Notifier
	logger      *slog.Logger
	metrics     *metrics.Metrics
	cfg         Config
	queue       chan Command
	now         func() time.Time
}

// New constructs an Orchestrator.
func New(pipelines repository.PipelineRepository, deployments repository.DeploymentRepository, provisioner provision.Provisioner, cleaner Cleaner, notifier logstream.Notifier, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		pipelines:   pipelines,
		deployments: deployments,
		provisioner: provisioner,
		cleaner:     cleaner,
		notifier:    notifier,
		logger:      logger.With("component", "orchestrator"),
		metrics:     m,
		cfg:         cfg,
		queue:       make(chan Command, cfg.QueueSize),
		now:         time.Now,
	}
}

// Enqueue hands a rollout command to the worker without blocking.
func (o *Orchestrator) Enqueue(cmd Command) error {
	select {
	case o.queue <- cmd:
		return nil
	default:
		return errors.New("deployment queue full")
	}
}

// Run consumes rollout commands until the context is cancelled. A rollout in
// flight is never cancelled mid-sequence; cancellation takes effect between
// commands.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("deployment orchestrator started", "queue_size", o.cfg.QueueSize)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("deployment orchestrator stopped")
			return
		case cmd := <-o.queue:
			o.deploy(context.WithoutCancel(ctx), cmd)
		}
	}
}

func (o *Orchestrator) deploy(ctx context.Context, cmd Command) {
	pipeline, err := o.pipelines.GetPipelineByID(ctx, cmd.PipelineID)
	if err != nil {
		o.logger.Error("pipeline lookup failed, dropping rollout", "pipeline_id", cmd.PipelineID, "error", err)
		return
	}

	deployType := domain.DeploymentTypeUpdate
	host := pipeline.DeployHost
	if host == "" {
		deployType = domain.DeploymentTypeInitial
		host = DeployHost(o.now(), pipeline.UserID, pipeline.ID)
		if err := o.pipelines.UpdatePipelineDeployHost(ctx, pipeline.ID, host); err != nil {
			o.logger.Error("failed to persist deploy host", "pipeline_id", pipeline.ID, "error", err)
			o.recordAborted(ctx, pipeline, cmd, deployType, host, fmt.Sprintf("persist deploy host: %v", err))
			return
		}
	}
	hostname := host + o.cfg.DomainSuffix
	serviceName := "otto-app-" + host

	now := o.now().UTC()
	deployment := &domain.Deployment{
		ID:         uuid.NewString(),
		PipelineID: pipeline.ID,
		UserID:     pipeline.UserID,
		Status:     domain.DeploymentPending,
		Type:       deployType,
		DeployHost: host,
		Metadata:   commandMetadata(cmd),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.deployments.CreateDeployment(ctx, deployment); err != nil {
		o.logger.Error("failed to create deployment record", "pipeline_id", pipeline.ID, "error", err)
		return
	}
	o.setStatus(ctx, deployment, domain.DeploymentInProgress, "")
	o.logger.Info("rollout started",
		"deployment_id", deployment.ID, "pipeline_id", pipeline.ID, "type", deployType, "host", hostname)

	fail := func(step string, err error) {
		msg := fmt.Sprintf("%s: %v", step, err)
		o.logger.Error("provisioning step failed", "deployment_id", deployment.ID, "step", step, "error", err)
		o.persistResources(ctx, deployment)
		o.finish(ctx, deployment, domain.DeploymentFailed, msg)
		o.cleaner.RollbackDeployment(ctx, deployment, pipeline)
	}

	// Step 1: shared ingress.
	o.setStatus(ctx, deployment, domain.DeploymentConfiguringALB, "")
	ingress, err := o.stepIngress(ctx)
	if err != nil {
		fail("find or create ingress", err)
		return
	}
	deployment.Resources.LoadBalancerArn = ingress.LoadBalancerArn
	deployment.Resources.ListenerArn = ingress.ListenerArn

	// Step 2: dedicated routing target.
	target, err := o.stepTarget(ctx, "otto-tg-"+host, pipeline)
	if err != nil {
		fail("create target group", err)
		return
	}
	deployment.Resources.TargetGroupArn = target.TargetGroupArn

	// Step 3: host routing rule. Existing rules are modified in place; a
	// delete-and-recreate would open a window with no route for live traffic.
	rule, err := o.stepRoutingRule(ctx, ingress.ListenerArn, hostname, target.TargetGroupArn, host)
	if err != nil {
		fail("publish routing rule", err)
		return
	}
	deployment.Resources.RuleArn = rule.RuleArn

	// Step 4: workload log sink.
	logGroup := "/otto/app/" + serviceName
	if err := o.step(ctx, func(stepCtx context.Context) error {
		return o.provisioner.EnsureLogGroup(stepCtx, logGroup)
	}); err != nil {
		fail("ensure log group", err)
		return
	}

	// Step 5: compute service.
	o.setStatus(ctx, deployment, domain.DeploymentDeployingECS, "")
	workload, err := o.stepService(ctx, provision.ServiceSpec{
		Name:           serviceName,
		Image:          pipeline.ImageURI,
		Port:           pipeline.ContainerPort,
		Command:        pipeline.RunCommand,
		Env:            pipeline.EnvMap(),
		TargetGroupArn: target.TargetGroupArn,
		LogGroup:       logGroup,
		DesiredCount:   o.cfg.DesiredCount,
	})
	if err != nil {
		fail("create or update service", err)
		return
	}
	deployment.Resources.ServiceArn = workload.ServiceArn
	deployment.Resources.ServiceName = workload.ServiceName

	// Step 6: public DNS.
	if err := o.step(ctx, func(stepCtx context.Context) error {
		return o.provisioner.PublishDNS(stepCtx, hostname, ingress)
	}); err != nil {
		fail("publish dns", err)
		return
	}
	deployment.Resources.DNSRecord = hostname

	// Step 7: lifecycle subscription, then wait for async completion.
	sub, err := o.stepSubscribe(ctx, workload.ServiceName, target.TargetGroupArn)
	if err != nil {
		fail("subscribe lifecycle", err)
		return
	}
	deployment.Resources.SubscriptionIDs = []string{sub.RuleName}

	o.persistResources(ctx, deployment)
	o.setStatus(ctx, deployment, domain.DeploymentWaitingHealthCheck, "")
	o.progress(ctx, deployment, "provisioned, waiting for steady state", map[string]any{"hostname": hostname})
	o.logger.Info("rollout provisioned, waiting for health",
		"deployment_id", deployment.ID, "service", workload.ServiceName)
}

func (o *Orchestrator) stepIngress(ctx context.Context) (provision.Ingress, error) {
	var ingress provision.Ingress
	err := o.step(ctx, func(stepCtx context.Context) error {
		var err error
		ingress, err = o.provisioner.FindOrCreateIngress(stepCtx, o.cfg.SharedIngressName)
		return err
	})
	return ingress, err
}

func (o *Orchestrator) stepTarget(ctx context.Context, name string, pipeline *domain.Pipeline) (provision.Target, error) {
	var target provision.Target
	err := o.step(ctx, func(stepCtx context.Context) error {
		var err error
		target, err = o.provisioner.CreateTarget(stepCtx, name, pipeline.ContainerPort, pipeline.HealthCheckPath)
		return err
	})
	return target, err
}

func (o *Orchestrator) stepRoutingRule(ctx context.Context, listenerArn, hostname, targetGroupArn, host string) (provision.RoutingRule, error) {
	var rule provision.RoutingRule
	err := o.step(ctx, func(stepCtx context.Context) error {
		existing, err := o.provisioner.FindRoutingRule(stepCtx, listenerArn, hostname)
		if err != nil {
			return err
		}
		if existing != nil {
			rule = *existing
			return o.provisioner.ModifyRoutingRule(stepCtx, existing.RuleArn, targetGroupArn)
		}
		rule, err = o.provisioner.PutRoutingRule(stepCtx, listenerArn, hostname, targetGroupArn, rulePriority(host))
		return err
	})
	return rule, err
}

func (o *Orchestrator) stepService(ctx context.Context, spec provision.ServiceSpec) (provision.Workload, error) {
	var workload provision.Workload
	err := o.step(ctx, func(stepCtx context.Context) error {
		var err error
		workload, err = o.provisioner.CreateOrUpdateService(stepCtx, spec)
		return err
	})
	return workload, err
}

func (o *Orchestrator) stepSubscribe(ctx context.Context, serviceName, targetGroupArn string) (provision.Subscription, error) {
	var sub provision.Subscription
	err := o.step(ctx, func(stepCtx context.Context) error {
		var err error
		sub, err = o.provisioner.SubscribeLifecycle(stepCtx, serviceName, targetGroupArn)
		return err
	})
	return sub, err
}

func (o *Orchestrator) step(ctx context.Context, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	return fn(stepCtx)
}

// HandleOrchestrationEvent applies an async workload lifecycle event to the
// matching deployment. Events for terminal deployments are ignored.
func (o *Orchestrator) HandleOrchestrationEvent(ctx context.Context, event domain.ExternalEvent, detail domain.OrchestrationDetail) error {
	serviceName := detail.ServiceName()
	if serviceName == "" {
		o.logger.Debug("orchestration event without service group dropped", "event_id", event.ID)
		return nil
	}
	deployment, err := o.deployments.GetDeploymentByServiceName(ctx, serviceName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("orchestration event for unknown service dropped", "event_id", event.ID, "service", serviceName)
			return nil
		}
		return err
	}
	if deployment.Terminal() {
		o.logger.Debug("orchestration event after terminal state ignored",
			"deployment_id", deployment.ID, "status", deployment.Status)
		return nil
	}

	switch {
	case detail.EventName == "SERVICE_DEPLOYMENT_COMPLETED":
		// Steady state: running count matches desired with passing health.
		o.finish(ctx, deployment, domain.DeploymentSuccess, "")
		o.progress(ctx, deployment, "deployment reached steady state", nil)
		o.logger.Info("rollout succeeded", "deployment_id", deployment.ID, "service", serviceName)
		return nil

	case detail.EventName == "SERVICE_DEPLOYMENT_FAILED":
		reason := detail.Reason
		if reason == "" {
			reason = "service deployment failed"
		}
		return o.failAndRollback(ctx, deployment, reason)

	case detail.LastStatus == "STOPPED" && detail.DesiredStatus == "RUNNING":
		reason := detail.StoppedReason
		if reason == "" {
			reason = "task stopped unexpectedly"
		}
		return o.failAndRollback(ctx, deployment, reason)

	default:
		o.progress(ctx, deployment, "workload state changed", map[string]any{
			"last_status":    detail.LastStatus,
			"desired_status": detail.DesiredStatus,
		})
		return nil
	}
}

// HandleTargetHealthEvent records advisory target health transitions; the
// SUCCESS transition is reserved for the steady state event.
func (o *Orchestrator) HandleTargetHealthEvent(ctx context.Context, event domain.ExternalEvent, detail domain.TargetHealthDetail) error {
	if detail.TargetGroupArn == "" {
		return nil
	}
	deployment, err := o.deployments.GetDeploymentByTargetGroup(ctx, detail.TargetGroupArn)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("target health event for unknown target dropped", "event_id", event.ID, "target_group", detail.TargetGroupArn)
			return nil
		}
		return err
	}
	if deployment.Terminal() {
		return nil
	}
	if detail.State == "unhealthy" {
		o.logger.Warn("target reported unhealthy",
			"deployment_id", deployment.ID, "target", detail.Target.ID, "reason", detail.Reason)
	}
	o.progress(ctx, deployment, "target health changed", map[string]any{
		"target_state": detail.State,
		"target":       detail.Target.ID,
	})
	return nil
}

func (o *Orchestrator) failAndRollback(ctx context.Context, deployment *domain.Deployment, reason string) error {
	o.finish(ctx, deployment, domain.DeploymentFailed, reason)
	o.logger.Error("rollout failed", "deployment_id", deployment.ID, "reason", reason)
	pipeline, err := o.pipelines.GetPipelineByID(ctx, deployment.PipelineID)
	if err != nil {
		o.logger.Warn("pipeline lookup for rollback failed", "deployment_id", deployment.ID, "error", err)
		pipeline = nil
	}
	o.cleaner.RollbackDeployment(ctx, deployment, pipeline)
	return nil
}

// recordAborted surfaces a rollout that died before provisioning began as a
// FAILED deployment record, so the failure is visible beyond the logs.
func (o *Orchestrator) recordAborted(ctx context.Context, pipeline *domain.Pipeline, cmd Command, deployType, host, msg string) {
	now := o.now().UTC()
	deployment := &domain.Deployment{
		ID:           uuid.NewString(),
		PipelineID:   pipeline.ID,
		UserID:       pipeline.UserID,
		Status:       domain.DeploymentFailed,
		Type:         deployType,
		DeployHost:   host,
		ErrorMessage: msg,
		Metadata:     commandMetadata(cmd),
		StartedAt:    now,
		CompletedAt:  &now,
		UpdatedAt:    now,
	}
	if err := o.deployments.CreateDeployment(ctx, deployment); err != nil {
		o.logger.Error("failed to record aborted rollout", "pipeline_id", pipeline.ID, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.DeployOutcomes.WithLabelValues(domain.DeploymentFailed).Inc()
	}
	o.progress(ctx, deployment, msg, nil)
}

func (o *Orchestrator) setStatus(ctx context.Context, deployment *domain.Deployment, status, errorMessage string) {
	deployment.Status = status
	if err := o.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       status,
		ErrorMessage: errorMessage,
	}); err != nil {
		o.logger.Warn("deployment status update failed", "deployment_id", deployment.ID, "status", status, "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, deployment *domain.Deployment, status, errorMessage string) {
	completedAt := o.now().UTC()
	deployment.Status = status
	deployment.ErrorMessage = errorMessage
	deployment.CompletedAt = &completedAt
	if err := o.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       status,
		ErrorMessage: errorMessage,
		CompletedAt:  &completedAt,
	}); err != nil {
		o.logger.Warn("deployment status update failed", "deployment_id", deployment.ID, "status", status, "error", err)
	}
	if o.metrics != nil {
		o.metrics.DeployOutcomes.WithLabelValues(status).Inc()
	}
}

func (o *Orchestrator) persistResources(ctx context.Context, deployment *domain.Deployment) {
	if err := o.deployments.UpdateDeploymentResources(ctx, deployment.ID, deployment.Resources); err != nil {
		o.logger.Warn("failed to persist deployment resources", "deployment_id", deployment.ID, "error", err)
	}
}

func (o *Orchestrator) progress(ctx context.Context, deployment *domain.Deployment, message string, extra map[string]any) {
	if o.notifier == nil {
		return
	}
	payload := map[string]any{
		"type":          "deployment-progress",
		"deployment_id": deployment.ID,
		"pipeline_id":   deployment.PipelineID,
		"status":        deployment.Status,
		"message":       message,
	}
	for k, v := range extra {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = o.notifier.Publish(ctx, deployment.ID, data)
}

func commandMetadata(cmd Command) json.RawMessage {
	data, err := json.Marshal(map[string]string{"execution_id": cmd.ExecutionID})
	if err != nil {
		return nil
	}
	return data
}
