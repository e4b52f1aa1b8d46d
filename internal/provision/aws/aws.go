// Package aws implements provision.Provisioner on the AWS APIs: ELBv2 for
// ingress and routing, ECS for compute, Route53 for DNS, CloudWatch Logs for
// log sinks and EventBridge for lifecycle subscriptions.
package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwl "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/cooodecat/otto-handler-sub000/internal/provision"
)

// Config carries the account-level inputs provisioning needs.
type Config struct {
	Cluster          string
	VpcID            string
	SubnetIDs        []string
	SecurityGroupIDs []string
	ExecutionRoleArn string
	TaskRoleArn      string
	Region           string
	HostedZoneID     string
	EventBusName     string
	EngineTargetArn  string
}

// Provisioner talks to the AWS control plane.
type Provisioner struct {
	elb    *elbv2.Client
	ecs    *ecs.Client
	dns    *route53.Client
	logs   *cwl.Client
	events *eventbridge.Client
	cfg    Config
}

var _ provision.Provisioner = (*Provisioner)(nil)

// New constructs a Provisioner from an AWS SDK config.
func New(awsCfg aws.Config, cfg Config) *Provisioner {
	return &Provisioner{
		elb:    elbv2.NewFromConfig(awsCfg),
		ecs:    ecs.NewFromConfig(awsCfg),
		dns:    route53.NewFromConfig(awsCfg),
		logs:   cwl.NewFromConfig(awsCfg),
		events: eventbridge.NewFromConfig(awsCfg),
		cfg:    cfg,
	}
}

// FindOrCreateIngress locates the shared load balancer by name, creating it
// with an HTTP listener when absent.
func (p *Provisioner) FindOrCreateIngress(ctx context.Context, name string) (provision.Ingress, error) {
	lb, err := p.findLoadBalancer(ctx, name)
	if err != nil {
		return provision.Ingress{}, err
	}
	if lb == nil {
		out, err := p.elb.CreateLoadBalancer(ctx, &elbv2.CreateLoadBalancerInput{
			Name:           aws.String(name),
			Subnets:        p.cfg.SubnetIDs,
			SecurityGroups: p.cfg.SecurityGroupIDs,
			Scheme:         elbv2types.LoadBalancerSchemeEnumInternetFacing,
			Type:           elbv2types.LoadBalancerTypeEnumApplication,
		})
		if err != nil {
			return provision.Ingress{}, fmt.Errorf("create load balancer %s: %w", name, err)
		}
		if len(out.LoadBalancers) == 0 {
			return provision.Ingress{}, fmt.Errorf("create load balancer %s: empty response", name)
		}
		lb = &out.LoadBalancers[0]
	}

	listenerArn, err := p.findOrCreateListener(ctx, aws.ToString(lb.LoadBalancerArn))
	if err != nil {
		return provision.Ingress{}, err
	}
	return provision.Ingress{
		LoadBalancerArn: aws.ToString(lb.LoadBalancerArn),
		DNSName:         aws.ToString(lb.DNSName),
		HostedZoneID:    aws.ToString(lb.CanonicalHostedZoneId),
		ListenerArn:     listenerArn,
	}, nil
}

func (p *Provisioner) findLoadBalancer(ctx context.Context, name string) (*elbv2types.LoadBalancer, error) {
	out, err := p.elb.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{
		Names: []string{name},
	})
	if err != nil {
		var notFound *elbv2types.LoadBalancerNotFoundException
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("describe load balancer %s: %w", name, err)
	}
	if len(out.LoadBalancers) == 0 {
		return nil, nil
	}
	return &out.LoadBalancers[0], nil
}

func (p *Provisioner) findOrCreateListener(ctx context.Context, loadBalancerArn string) (string, error) {
	listeners, err := p.elb.DescribeListeners(ctx, &elbv2.DescribeListenersInput{
		LoadBalancerArn: aws.String(loadBalancerArn),
	})
	if err != nil {
		return "", fmt.Errorf("describe listeners: %w", err)
	}
	for _, l := range listeners.Listeners {
		if aws.ToInt32(l.Port) == 80 {
			return aws.ToString(l.ListenerArn), nil
		}
	}
	created, err := p.elb.CreateListener(ctx, &elbv2.CreateListenerInput{
		LoadBalancerArn: aws.String(loadBalancerArn),
		Port:            aws.Int32(80),
		Protocol:        elbv2types.ProtocolEnumHttp,
		DefaultActions: []elbv2types.Action{{
			Type: elbv2types.ActionTypeEnumFixedResponse,
			FixedResponseConfig: &elbv2types.FixedResponseActionConfig{
				StatusCode:  aws.String("404"),
				ContentType: aws.String("text/plain"),
				MessageBody: aws.String("unknown host"),
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("create listener: %w", err)
	}
	if len(created.Listeners) == 0 {
		return "", errors.New("create listener: empty response")
	}
	return aws.ToString(created.Listeners[0].ListenerArn), nil
}

// CreateTarget creates (or reuses by name) a target group sized for the
// workload's declared port.
func (p *Provisioner) CreateTarget(ctx context.Context, name string, port int, healthPath string) (provision.Target, error) {
	existing, err := p.elb.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{
		Names: []string{name},
	})
	if err == nil && len(existing.TargetGroups) > 0 {
		return provision.Target{TargetGroupArn: aws.ToString(existing.TargetGroups[0].TargetGroupArn)}, nil
	}
	if healthPath == "" {
		healthPath = "/"
	}
	out, err := p.elb.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
		Name:            aws.String(name),
		Port:            aws.Int32(int32(port)),
		Protocol:        elbv2types.ProtocolEnumHttp,
		VpcId:           aws.String(p.cfg.VpcID),
		TargetType:      elbv2types.TargetTypeEnumIp,
		HealthCheckPath: aws.String(healthPath),
	})
	if err != nil {
		return provision.Target{}, fmt.Errorf("create target group %s: %w", name, err)
	}
	if len(out.TargetGroups) == 0 {
		return provision.Target{}, fmt.Errorf("create target group %s: empty response", name)
	}
	return provision.Target{TargetGroupArn: aws.ToString(out.TargetGroups[0].TargetGroupArn)}, nil
}

// DeleteTarget removes a target group.
func (p *Provisioner) DeleteTarget(ctx context.Context, targetGroupArn string) error {
	_, err := p.elb.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{
		TargetGroupArn: aws.String(targetGroupArn),
	})
	return err
}

// FindRoutingRule returns the rule matching a host header on the listener,
// or nil when none exists.
func (p *Provisioner) FindRoutingRule(ctx context.Context, listenerArn, hostHeader string) (*provision.RoutingRule, error) {
	out, err := p.elb.DescribeRules(ctx, &elbv2.DescribeRulesInput{
		ListenerArn: aws.String(listenerArn),
	})
	if err != nil {
		return nil, fmt.Errorf("describe rules: %w", err)
	}
	for _, rule := range out.Rules {
		for _, cond := range rule.Conditions {
			if cond.HostHeaderConfig == nil {
				continue
			}
			for _, v := range cond.HostHeaderConfig.Values {
				if strings.EqualFold(v, hostHeader) {
					return &provision.RoutingRule{RuleArn: aws.ToString(rule.RuleArn)}, nil
				}
			}
		}
	}
	return nil, nil
}

// PutRoutingRule creates a host-based forwarding rule.
func (p *Provisioner) PutRoutingRule(ctx context.Context, listenerArn, hostHeader, targetGroupArn string, priority int) (provision.RoutingRule, error) {
	out, err := p.elb.CreateRule(ctx, &elbv2.CreateRuleInput{
		ListenerArn: aws.String(listenerArn),
		Priority:    aws.Int32(int32(priority)),
		Conditions: []elbv2types.RuleCondition{{
			Field:            aws.String("host-header"),
			HostHeaderConfig: &elbv2types.HostHeaderConditionConfig{Values: []string{hostHeader}},
		}},
		Actions: []elbv2types.Action{{
			Type:           elbv2types.ActionTypeEnumForward,
			TargetGroupArn: aws.String(targetGroupArn),
		}},
	})
	if err != nil {
		return provision.RoutingRule{}, fmt.Errorf("create rule for %s: %w", hostHeader, err)
	}
	if len(out.Rules) == 0 {
		return provision.RoutingRule{}, fmt.Errorf("create rule for %s: empty response", hostHeader)
	}
	return provision.RoutingRule{RuleArn: aws.ToString(out.Rules[0].RuleArn), Priority: priority}, nil
}

// ModifyRoutingRule repoints an existing rule at a new target group in place,
// so live traffic never sees a gap between delete and recreate.
func (p *Provisioner) ModifyRoutingRule(ctx context.Context, ruleArn, targetGroupArn string) error {
	_, err := p.elb.ModifyRule(ctx, &elbv2.ModifyRuleInput{
		RuleArn: aws.String(ruleArn),
		Actions: []elbv2types.Action{{
			Type:           elbv2types.ActionTypeEnumForward,
			TargetGroupArn: aws.String(targetGroupArn),
		}},
	})
	return err
}

// DeregisterRoutingRule removes a forwarding rule.
func (p *Provisioner) DeregisterRoutingRule(ctx context.Context, ruleArn string) error {
	_, err := p.elb.DeleteRule(ctx, &elbv2.DeleteRuleInput{RuleArn: aws.String(ruleArn)})
	return err
}

// EnsureLogGroup creates the log group, tolerating prior existence.
func (p *Provisioner) EnsureLogGroup(ctx context.Context, name string) error {
	_, err := p.logs.CreateLogGroup(ctx, &cwl.CreateLogGroupInput{LogGroupName: aws.String(name)})
	if err != nil {
		var exists *cwltypes.ResourceAlreadyExistsException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("create log group %s: %w", name, err)
	}
	return nil
}

// CreateOrUpdateService registers a task definition revision and either
// creates the service or rolls the existing one onto the new revision.
func (p *Provisioner) CreateOrUpdateService(ctx context.Context, spec provision.ServiceSpec) (provision.Workload, error) {
	taskDefArn, err := p.registerTaskDefinition(ctx, spec)
	if err != nil {
		return provision.Workload{}, err
	}

	existing, err := p.findService(ctx, spec.Name)
	if err != nil {
		return provision.Workload{}, err
	}
	if existing != nil {
		out, err := p.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
			Cluster:            aws.String(p.cfg.Cluster),
			Service:            aws.String(spec.Name),
			TaskDefinition:     aws.String(taskDefArn),
			DesiredCount:       aws.Int32(int32(spec.DesiredCount)),
			ForceNewDeployment: true,
		})
		if err != nil {
			return provision.Workload{}, fmt.Errorf("update service %s: %w", spec.Name, err)
		}
		return provision.Workload{
			ServiceArn:  aws.ToString(out.Service.ServiceArn),
			ServiceName: spec.Name,
		}, nil
	}

	out, err := p.ecs.CreateService(ctx, &ecs.CreateServiceInput{
		Cluster:        aws.String(p.cfg.Cluster),
		ServiceName:    aws.String(spec.Name),
		TaskDefinition: aws.String(taskDefArn),
		DesiredCount:   aws.Int32(int32(spec.DesiredCount)),
		LaunchType:     ecstypes.LaunchTypeFargate,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        p.cfg.SubnetIDs,
				SecurityGroups: p.cfg.SecurityGroupIDs,
				AssignPublicIp: ecstypes.AssignPublicIpEnabled,
			},
		},
		LoadBalancers: []ecstypes.LoadBalancer{{
			TargetGroupArn: aws.String(spec.TargetGroupArn),
			ContainerName:  aws.String(spec.Name),
			ContainerPort:  aws.Int32(int32(spec.Port)),
		}},
	})
	if err != nil {
		return provision.Workload{}, fmt.Errorf("create service %s: %w", spec.Name, err)
	}
	return provision.Workload{
		ServiceArn:  aws.ToString(out.Service.ServiceArn),
		ServiceName: spec.Name,
	}, nil
}

func (p *Provisioner) registerTaskDefinition(ctx context.Context, spec provision.ServiceSpec) (string, error) {
	env := make([]ecstypes.KeyValuePair, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, ecstypes.KeyValuePair{Name: aws.String(k), Value: aws.String(v)})
	}
	container := ecstypes.ContainerDefinition{
		Name:      aws.String(spec.Name),
		Image:     aws.String(spec.Image),
		Essential: aws.Bool(true),
		PortMappings: []ecstypes.PortMapping{{
			ContainerPort: aws.Int32(int32(spec.Port)),
			Protocol:      ecstypes.TransportProtocolTcp,
		}},
		Environment: env,
		LogConfiguration: &ecstypes.LogConfiguration{
			LogDriver: ecstypes.LogDriverAwslogs,
			Options: map[string]string{
				"awslogs-group":         spec.LogGroup,
				"awslogs-region":        p.cfg.Region,
				"awslogs-stream-prefix": spec.Name,
			},
		},
	}
	if len(spec.Command) > 0 {
		container.Command = spec.Command
	}
	out, err := p.ecs.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(spec.Name),
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		Cpu:                     aws.String("256"),
		Memory:                  aws.String("512"),
		ExecutionRoleArn:        aws.String(p.cfg.ExecutionRoleArn),
		TaskRoleArn:             aws.String(p.cfg.TaskRoleArn),
		ContainerDefinitions:    []ecstypes.ContainerDefinition{container},
	})
	if err != nil {
		return "", fmt.Errorf("register task definition %s: %w", spec.Name, err)
	}
	return aws.ToString(out.TaskDefinition.TaskDefinitionArn), nil
}

func (p *Provisioner) findService(ctx context.Context, name string) (*ecstypes.Service, error) {
	out, err := p.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(p.cfg.Cluster),
		Services: []string{name},
	})
	if err != nil {
		return nil, fmt.Errorf("describe service %s: %w", name, err)
	}
	for _, svc := range out.Services {
		if aws.ToString(svc.Status) == "ACTIVE" {
			return &svc, nil
		}
	}
	return nil, nil
}

// ScaleService sets the service's desired task count.
func (p *Provisioner) ScaleService(ctx context.Context, serviceName string, desiredCount int) error {
	_, err := p.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(p.cfg.Cluster),
		Service:      aws.String(serviceName),
		DesiredCount: aws.Int32(int32(desiredCount)),
	})
	return err
}

// DeleteService removes the compute service. Callers scale to zero first.
func (p *Provisioner) DeleteService(ctx context.Context, serviceName string) error {
	_, err := p.ecs.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: aws.String(p.cfg.Cluster),
		Service: aws.String(serviceName),
		Force:   aws.Bool(true),
	})
	return err
}

// PublishDNS upserts an alias record pointing the hostname at the ingress.
func (p *Provisioner) PublishDNS(ctx context.Context, hostname string, ingress provision.Ingress) error {
	return p.changeDNS(ctx, r53types.ChangeActionUpsert, hostname, ingress)
}

// DeleteDNS removes the alias record for the hostname.
func (p *Provisioner) DeleteDNS(ctx context.Context, hostname string, ingress provision.Ingress) error {
	return p.changeDNS(ctx, r53types.ChangeActionDelete, hostname, ingress)
}

func (p *Provisioner) changeDNS(ctx context.Context, action r53types.ChangeAction, hostname string, ingress provision.Ingress) error {
	_, err := p.dns.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.cfg.HostedZoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Changes: []r53types.Change{{
				Action: action,
				ResourceRecordSet: &r53types.ResourceRecordSet{
					Name: aws.String(hostname),
					Type: r53types.RRTypeA,
					AliasTarget: &r53types.AliasTarget{
						DNSName:              aws.String(ingress.DNSName),
						HostedZoneId:         aws.String(ingress.HostedZoneID),
						EvaluateTargetHealth: false,
					},
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("%s dns record %s: %w", strings.ToLower(string(action)), hostname, err)
	}
	return nil
}

// SubscribeLifecycle installs an event rule forwarding the workload's task
// and deployment state changes to the engine.
func (p *Provisioner) SubscribeLifecycle(ctx context.Context, serviceName, targetGroupArn string) (provision.Subscription, error) {
	ruleName := "otto-lifecycle-" + serviceName
	pattern := fmt.Sprintf(`{"source":["aws.ecs"],"detail-type":["ECS Task State Change","ECS Deployment State Change"],"detail":{"group":["service:%s"]}}`, serviceName)

	_, err := p.events.PutRule(ctx, &eventbridge.PutRuleInput{
		Name:         aws.String(ruleName),
		EventBusName: aws.String(p.cfg.EventBusName),
		EventPattern: aws.String(pattern),
		State:        ebtypes.RuleStateEnabled,
	})
	if err != nil {
		return provision.Subscription{}, fmt.Errorf("put lifecycle rule %s: %w", ruleName, err)
	}
	_, err = p.events.PutTargets(ctx, &eventbridge.PutTargetsInput{
		Rule:         aws.String(ruleName),
		EventBusName: aws.String(p.cfg.EventBusName),
		Targets: []ebtypes.Target{{
			Id:  aws.String("engine"),
			Arn: aws.String(p.cfg.EngineTargetArn),
		}},
	})
	if err != nil {
		return provision.Subscription{}, fmt.Errorf("put lifecycle targets %s: %w", ruleName, err)
	}
	return provision.Subscription{RuleName: ruleName}, nil
}

// Unsubscribe tears down a lifecycle rule and its targets.
func (p *Provisioner) Unsubscribe(ctx context.Context, sub provision.Subscription) error {
	if sub.RuleName == "" {
		return nil
	}
	if _, err := p.events.RemoveTargets(ctx, &eventbridge.RemoveTargetsInput{
		Rule:         aws.String(sub.RuleName),
		EventBusName: aws.String(p.cfg.EventBusName),
		Ids:          []string{"engine"},
	}); err != nil {
		return fmt.Errorf("remove lifecycle targets %s: %w", sub.RuleName, err)
	}
	if _, err := p.events.DeleteRule(ctx, &eventbridge.DeleteRuleInput{
		Name:         aws.String(sub.RuleName),
		EventBusName: aws.String(p.cfg.EventBusName),
	}); err != nil {
		return fmt.Errorf("delete lifecycle rule %s: %w", sub.RuleName, err)
	}
	return nil
}
