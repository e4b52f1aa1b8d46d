// Package provision defines the cloud provisioning capability the deployment
// orchestrator consumes. Implementations own the thin create/delete calls;
// the orchestrator owns sequencing and state.
package provision

import "context"

// Ingress is a shared entry point (load balancer + listener).
type Ingress struct {
	LoadBalancerArn string
	DNSName         string
	HostedZoneID    string
	ListenerArn     string
}

// Target is a routing target sized for one workload.
type Target struct {
	TargetGroupArn string
}

// RoutingRule maps a host header to a target on a listener.
type RoutingRule struct {
	RuleArn  string
	Priority int
}

// Workload references a provisioned compute service.
type Workload struct {
	ServiceArn  string
	ServiceName string
}

// ServiceSpec describes the compute service to create or update.
type ServiceSpec struct {
	Name           string
	Image          string
	Port           int
	Command        []string
	Env            map[string]string
	TargetGroupArn string
	LogGroup       string
	DesiredCount   int
}

// Subscription is a handle for an async lifecycle event subscription.
type Subscription struct {
	RuleName string
}

// Provisioner is the opaque provisioning capability. Every call must honor
// the context deadline; the orchestrator wraps each step in a timeout.
type Provisioner interface {
	FindOrCreateIngress(ctx context.Context, name string) (Ingress, error)

	CreateTarget(ctx context.Context, name string, port int, healthPath string) (Target, error)
	DeleteTarget(ctx context.Context, targetGroupArn string) error

	FindRoutingRule(ctx context.Context, listenerArn, hostHeader string) (*RoutingRule, error)
	PutRoutingRule(ctx context.Context, listenerArn, hostHeader, targetGroupArn string, priority int) (RoutingRule, error)
	ModifyRoutingRule(ctx context.Context, ruleArn, targetGroupArn string) error
	DeregisterRoutingRule(ctx context.Context, ruleArn string) error

	EnsureLogGroup(ctx context.Context, name string) error

	CreateOrUpdateService(ctx context.Context, spec ServiceSpec) (Workload, error)
	ScaleService(ctx context.Context, serviceName string, desiredCount int) error
	DeleteService(ctx context.Context, serviceName string) error

	PublishDNS(ctx context.Context, hostname string, ingress Ingress) error
	DeleteDNS(ctx context.Context, hostname string, ingress Ingress) error

	SubscribeLifecycle(ctx context.Context, serviceName, targetGroupArn string) (Subscription, error)
	Unsubscribe(ctx context.Context, sub Subscription) error
}
