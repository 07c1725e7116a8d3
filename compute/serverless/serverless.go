// Package serverless implements the compute contract on ECS Fargate. Tasks
// are CPU-only; tiers that need an accelerator or a non-default
// architecture are refused and belong to the instance pool.
package serverless // import "github.com/whisthq/whist/backend/workspaces/compute/serverless"

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/whisthq/whist/backend/workspaces/catalog"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ContainerName is the name of the single container in every task.
const ContainerName = "workspace"

// Config is the ECS placement configuration.
type Config struct {
	Cluster          string
	Subnets          []string
	SecurityGroups   []string
	ExecutionRoleARN string
	AssignPublicIP   bool
	// AgentPort is where the exec agent listens inside each task.
	AgentPort int
	// PreviewDomain, when set, makes preview URLs of the form
	// https://<port>-<id>.<PreviewDomain>.
	PreviewDomain string
}

func (c Config) validate() error {
	if c.Cluster == "" {
		return utils.MakeError("no ECS cluster configured")
	}
	if len(c.Subnets) == 0 {
		return utils.MakeError("no subnets configured for ECS cluster %s", c.Cluster)
	}
	if c.AgentPort <= 0 {
		return utils.MakeError("invalid agent port %d", c.AgentPort)
	}
	return nil
}

// ecsAPI is the subset of the ECS client we use.
type ecsAPI interface {
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
}

// Manager runs workspaces as Fargate tasks.
type Manager struct {
	cfg     Config
	catalog *catalog.Catalog
	ecs     ecsAPI
	files   compute.FileStore
	agent   *agentClient
	index   *compute.Index
	now     func() time.Time

	taskDefLock sync.Mutex
	taskDefs    map[taskDefKey]string
}

// New returns a serverless manager. files may be nil, in which case deletes
// never purge anything.
func New(cfg Config, cat *catalog.Catalog, client *ecs.Client, files compute.FileStore) *Manager {
	return newManager(cfg, cat, client, files, http.DefaultClient)
}

func newManager(cfg Config, cat *catalog.Catalog, client ecsAPI, files compute.FileStore, httpClient *http.Client) *Manager {
	return &Manager{
		cfg:      cfg,
		catalog:  cat,
		ecs:      client,
		files:    files,
		agent:    &agentClient{http: httpClient},
		index:    compute.NewIndex(),
		now:      time.Now,
		taskDefs: make(map[taskDefKey]string),
	}
}

// CreateWorkspace runs a task for the workspace and returns it in CREATING.
func (m *Manager) CreateWorkspace(ctx context.Context, userID types.UserID, sessionID types.SessionID, cfg compute.WorkspaceConfig, id types.WorkspaceID) (*compute.WorkspaceInfo, error) {
	const op = "create_workspace"
	id = compute.ResolveWorkspaceID(id)

	spec := m.catalog.Spec(cfg.Tier)
	if spec.RequiresInstanceBackend {
		return nil, compute.ConfigError(op, id, "tier %s cannot run on the serverless backend", spec.Tier)
	}
	image := m.catalog.SelectImage(cfg.BaseImage, spec)
	if image == "" {
		return nil, compute.ConfigError(op, id, "no image for tier %s", spec.Tier)
	}

	var taskDefARN string
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := m.cfg.validate(); err != nil {
			return compute.ConfigError(op, id, "%s", err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		taskDefARN, err = m.ensureTaskDefinition(egCtx, image, spec)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, classify(op, id, err)
	}

	out, err := m.ecs.RunTask(ctx, m.runTaskInput(taskDefARN, id, userID, sessionID, spec, cfg))
	if err != nil {
		return nil, classify(op, id, err)
	}
	if len(out.Failures) > 0 {
		return nil, classifyFailure(op, id, out.Failures[0])
	}
	if len(out.Tasks) == 0 {
		return nil, compute.CapacityError(op, id, "ECS started no task")
	}

	now := m.now()
	info := &compute.WorkspaceInfo{
		ID:            id,
		UserID:        userID,
		SessionID:     sessionID,
		Status:        compute.StatusCreating,
		Tier:          spec.Tier,
		Port:          m.cfg.AgentPort,
		Backend:       types.EndpointServerless,
		BackendHandle: aws.ToString(out.Tasks[0].TaskArn),
		CreatedAt:     now,
		LastActivity:  now,
		Metadata: map[string]string{
			"image":           image,
			"task_definition": taskDefARN,
		},
	}
	m.index.Put(info)

	logger.Infow("Started serverless workspace",
		zap.String("workspace_id", string(id)),
		zap.String("task_arn", info.BackendHandle),
		zap.String("tier", string(spec.Tier)),
	)
	return info.Clone(), nil
}

func (m *Manager) runTaskInput(taskDefARN string, id types.WorkspaceID, userID types.UserID, sessionID types.SessionID, spec catalog.HardwareSpec, cfg compute.WorkspaceConfig) *ecs.RunTaskInput {
	assignPublicIP := ecstypes.AssignPublicIpDisabled
	if m.cfg.AssignPublicIP {
		assignPublicIP = ecstypes.AssignPublicIpEnabled
	}

	return &ecs.RunTaskInput{
		Cluster:        aws.String(m.cfg.Cluster),
		TaskDefinition: aws.String(taskDefARN),
		LaunchType:     ecstypes.LaunchTypeFargate,
		Count:          aws.Int32(1),
		StartedBy:      aws.String(truncate("workspaces/"+string(id), 36)),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        m.cfg.Subnets,
				SecurityGroups: m.cfg.SecurityGroups,
				AssignPublicIp: assignPublicIP,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{{
				Name:        aws.String(ContainerName),
				Environment: environment(id, cfg),
			}},
		},
		Tags: []ecstypes.Tag{
			{Key: aws.String("workspace_id"), Value: aws.String(string(id))},
			{Key: aws.String("user_id"), Value: aws.String(string(userID))},
			{Key: aws.String("session_id"), Value: aws.String(string(sessionID))},
			{Key: aws.String("tier"), Value: aws.String(string(spec.Tier))},
		},
	}
}

// environment builds the container environment in a stable order.
func environment(id types.WorkspaceID, cfg compute.WorkspaceConfig) []ecstypes.KeyValuePair {
	env := compute.ContainerEnvironment(id, cfg)
	pairs := make([]ecstypes.KeyValuePair, 0, len(env))
	for _, k := range utils.SortedKeys(env) {
		pairs = append(pairs, ecstypes.KeyValuePair{Name: aws.String(k), Value: aws.String(env[k])})
	}
	return pairs
}

// GetWorkspace refreshes the workspace from DescribeTasks.
func (m *Manager) GetWorkspace(ctx context.Context, id types.WorkspaceID) (*compute.WorkspaceInfo, error) {
	const op = "get_workspace"
	current := m.index.Get(id)
	if current == nil {
		return nil, nil
	}

	out, err := m.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(m.cfg.Cluster),
		Tasks:   []string{current.BackendHandle},
	})
	if err != nil {
		return nil, classify(op, id, err)
	}

	if len(out.Tasks) == 0 {
		// ECS forgets stopped tasks after a while.
		return m.index.Update(id, func(w *compute.WorkspaceInfo) {
			w.Status = compute.StatusStopped
			w.Host = ""
		}), nil
	}

	task := out.Tasks[0]
	status := mapTaskStatus(aws.ToString(task.LastStatus))
	host := privateIP(task)
	return m.index.Update(id, func(w *compute.WorkspaceInfo) {
		w.Status = compute.Advance(w.Status, status)
		switch w.Status {
		case compute.StatusRunning:
			if host != "" {
				w.Host = host
			}
		case compute.StatusStopped:
			w.Host = ""
			if reason := aws.ToString(task.StoppedReason); reason != "" {
				if w.Metadata == nil {
					w.Metadata = make(map[string]string)
				}
				w.Metadata["stopped_reason"] = reason
			}
		}
	}), nil
}

func mapTaskStatus(lastStatus string) compute.Status {
	switch lastStatus {
	case "PROVISIONING", "PENDING", "ACTIVATING":
		return compute.StatusCreating
	case "RUNNING":
		return compute.StatusRunning
	default:
		return compute.StatusStopped
	}
}

// privateIP pulls the task's address out of its ENI attachment.
func privateIP(task ecstypes.Task) string {
	for _, att := range task.Attachments {
		if aws.ToString(att.Type) != "ElasticNetworkInterface" {
			continue
		}
		for _, kv := range att.Details {
			if aws.ToString(kv.Name) == "privateIPv4Address" {
				return aws.ToString(kv.Value)
			}
		}
	}
	return ""
}

// StopWorkspace stops the task. Unknown workspaces are a no-op.
func (m *Manager) StopWorkspace(ctx context.Context, id types.WorkspaceID) error {
	const op = "stop_workspace"
	current := m.index.Get(id)
	if current == nil || current.Status == compute.StatusStopped {
		return nil
	}

	_, err := m.ecs.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(m.cfg.Cluster),
		Task:    aws.String(current.BackendHandle),
		Reason:  aws.String("workspace stopped"),
	})
	if err != nil && !isMissingTask(err) {
		return classify(op, id, err)
	}

	m.index.Update(id, func(w *compute.WorkspaceInfo) {
		w.Status = compute.StatusStopped
		w.Host = ""
	})
	return nil
}

// DeleteWorkspace stops the task and forgets the workspace.
func (m *Manager) DeleteWorkspace(ctx context.Context, id types.WorkspaceID, preserveFiles bool) error {
	if !m.index.Has(id) {
		return nil
	}
	if err := m.StopWorkspace(ctx, id); err != nil {
		return err
	}
	m.index.Remove(id)
	if !preserveFiles {
		compute.PurgeFilesBestEffort(ctx, m.files, id)
	}
	logger.Infow("Deleted serverless workspace", zap.String("workspace_id", string(id)))
	return nil
}

// ListWorkspaces filters the in-process index.
func (m *Manager) ListWorkspaces(userID types.UserID, sessionID types.SessionID) []*compute.WorkspaceInfo {
	return m.index.List(userID, sessionID)
}

// routable returns the workspace, refreshing it once if its host isn't
// known yet.
func (m *Manager) routable(ctx context.Context, op string, id types.WorkspaceID) (*compute.WorkspaceInfo, error) {
	w := m.index.Get(id)
	if w == nil {
		return nil, compute.NotFoundError(op, id)
	}
	if w.Host == "" && w.Status != compute.StatusStopped {
		refreshed, err := m.GetWorkspace(ctx, id)
		if err != nil {
			return nil, err
		}
		if refreshed != nil {
			w = refreshed
		}
	}
	if w.Host == "" || w.Status != compute.StatusRunning {
		return nil, compute.UnreachableError(op, id, "workspace is %s and has no routable host yet", w.Status)
	}
	return w, nil
}

func (m *Manager) agentBaseURL(w *compute.WorkspaceInfo) string {
	return "http://" + net.JoinHostPort(w.Host, strconv.Itoa(m.cfg.AgentPort))
}

func (m *Manager) ExecCommand(ctx context.Context, id types.WorkspaceID, command, workingDir string, timeout time.Duration) (*compute.ExecResult, error) {
	const op = "exec_command"
	w, err := m.routable(ctx, op, id)
	if err != nil {
		return nil, err
	}
	return m.agent.exec(ctx, op, id, m.agentBaseURL(w), command, workingDir, timeout)
}

// ExecCommandStream streams output from the in-workspace agent.
func (m *Manager) ExecCommandStream(ctx context.Context, id types.WorkspaceID, command, workingDir string, timeout time.Duration) (<-chan compute.ExecChunk, error) {
	const op = "exec_command_stream"
	w, err := m.routable(ctx, op, id)
	if err != nil {
		return nil, err
	}
	return m.agent.stream(ctx, op, id, m.agentBaseURL(w), command, workingDir, timeout)
}

func (m *Manager) ReadFile(ctx context.Context, id types.WorkspaceID, path string) ([]byte, error) {
	return compute.ReadFileVia(ctx, m, id, path)
}

func (m *Manager) WriteFile(ctx context.Context, id types.WorkspaceID, path string, content []byte) error {
	return compute.WriteFileVia(ctx, m, id, path, content)
}

func (m *Manager) ListFiles(ctx context.Context, id types.WorkspaceID, path string) []compute.FileEntry {
	return compute.ListFilesVia(ctx, m, id, path)
}

func (m *Manager) GetActivePorts(ctx context.Context, id types.WorkspaceID) []compute.PortInfo {
	return compute.ActivePortsVia(ctx, m, id)
}

// GetPreviewURL prefers the public preview domain when one is configured.
func (m *Manager) GetPreviewURL(ctx context.Context, id types.WorkspaceID, port int) (string, bool) {
	w := m.index.Get(id)
	if w == nil || w.Status != compute.StatusRunning || w.Host == "" {
		return "", false
	}
	if m.cfg.PreviewDomain != "" {
		return utils.Sprintf("https://%d-%s.%s", port, id, m.cfg.PreviewDomain), true
	}
	return "http://" + net.JoinHostPort(w.Host, strconv.Itoa(port)), true
}

func (m *Manager) ProxyRequest(ctx context.Context, req compute.ProxyRequest) (*compute.ProxyResponse, error) {
	w, err := m.routable(ctx, "proxy_request", req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return compute.Proxy(ctx, m.agent.http, "http://"+net.JoinHostPort(w.Host, strconv.Itoa(req.Port)), req)
}

func (m *Manager) Heartbeat(ctx context.Context, id types.WorkspaceID) error {
	if !m.index.Touch(id, m.now()) {
		return compute.NotFoundError("heartbeat", id)
	}
	return nil
}

// CleanupIdleWorkspaces deletes idle workspaces one at a time, keeping their
// files.
func (m *Manager) CleanupIdleWorkspaces(ctx context.Context, timeout time.Duration) []types.WorkspaceID {
	results := compute.SweepIdle(ctx, m.index, m.now(), timeout, func(ctx context.Context, id types.WorkspaceID) error {
		return m.DeleteWorkspace(ctx, id, true)
	})
	return compute.Succeeded(results)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
