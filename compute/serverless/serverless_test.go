package serverless

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/google/go-cmp/cmp"
	"github.com/whisthq/whist/backend/workspaces/agent"
	"github.com/whisthq/whist/backend/workspaces/catalog"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
)

// mockECSClient records calls and answers from its fields.
type mockECSClient struct {
	lock sync.Mutex

	registered   []*ecs.RegisterTaskDefinitionInput
	runs         []*ecs.RunTaskInput
	stopped      []string
	lastStatus   string
	privateIP    string
	runFailure   *ecstypes.Failure
	runErr       error
	stopErr      error
	describeNone bool
}

func (m *mockECSClient) RegisterTaskDefinition(ctx context.Context, in *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.registered = append(m.registered, in)
	arn := "arn:aws:ecs:us-east-1:123:task-definition/" + aws.ToString(in.Family) + ":1"
	return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: &ecstypes.TaskDefinition{TaskDefinitionArn: aws.String(arn)}}, nil
}

func (m *mockECSClient) RunTask(ctx context.Context, in *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.runErr != nil {
		return nil, m.runErr
	}
	m.runs = append(m.runs, in)
	if m.runFailure != nil {
		return &ecs.RunTaskOutput{Failures: []ecstypes.Failure{*m.runFailure}}, nil
	}
	arn := "arn:aws:ecs:us-east-1:123:task/cluster/" + strconv.Itoa(len(m.runs))
	return &ecs.RunTaskOutput{Tasks: []ecstypes.Task{{TaskArn: aws.String(arn), LastStatus: aws.String("PROVISIONING")}}}, nil
}

func (m *mockECSClient) DescribeTasks(ctx context.Context, in *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.describeNone {
		return &ecs.DescribeTasksOutput{Failures: []ecstypes.Failure{{Reason: aws.String("MISSING")}}}, nil
	}
	task := ecstypes.Task{
		TaskArn:    aws.String(in.Tasks[0]),
		LastStatus: aws.String(m.lastStatus),
	}
	if m.privateIP != "" {
		task.Attachments = []ecstypes.Attachment{{
			Type: aws.String("ElasticNetworkInterface"),
			Details: []ecstypes.KeyValuePair{
				{Name: aws.String("subnetId"), Value: aws.String("subnet-1")},
				{Name: aws.String("privateIPv4Address"), Value: aws.String(m.privateIP)},
			},
		}}
	}
	return &ecs.DescribeTasksOutput{Tasks: []ecstypes.Task{task}}, nil
}

func (m *mockECSClient) StopTask(ctx context.Context, in *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	m.stopped = append(m.stopped, aws.ToString(in.Task))
	return &ecs.StopTaskOutput{}, nil
}

func testConfig() Config {
	return Config{
		Cluster:        "workspaces",
		Subnets:        []string{"subnet-1"},
		SecurityGroups: []string{"sg-1"},
		AgentPort:      7070,
	}
}

func newTestManager(client *mockECSClient, cfg Config) *Manager {
	return newManager(cfg, catalog.Default(), client, nil, http.DefaultClient)
}

func TestCreateWorkspaceRunsTask(t *testing.T) {
	client := &mockECSClient{}
	m := newTestManager(client, testConfig())

	cfg := compute.WorkspaceConfig{
		Tier:        catalog.TierStandard,
		Repos:       []string{"https://github.com/whisthq/whist"},
		EnvVars:     map[string]string{"NODE_ENV": "development", "WORKSPACE_ID": "spoofed"},
		GitIdentity: compute.GitIdentity{Name: "Dev", Email: "dev@example.com"},
	}
	info, err := m.CreateWorkspace(context.Background(), "user-1", "session-1", cfg, "")
	if err != nil {
		t.Fatalf("error creating workspace: %v", err)
	}

	if info.Status != compute.StatusCreating || info.Backend != types.EndpointServerless || !compute.IsGeneratedWorkspaceID(info.ID) {
		t.Errorf("unexpected workspace info: %+v", info)
	}
	if len(client.registered) != 1 || len(client.runs) != 1 {
		t.Fatalf("expected one registration and one run, got %d and %d", len(client.registered), len(client.runs))
	}

	def := client.registered[0]
	if aws.ToString(def.Cpu) != "4096" || aws.ToString(def.Memory) != "8192" {
		t.Errorf("unexpected task size %s/%s", aws.ToString(def.Cpu), aws.ToString(def.Memory))
	}
	if def.RuntimePlatform.CpuArchitecture != ecstypes.CPUArchitectureX8664 {
		t.Errorf("unexpected architecture %s", def.RuntimePlatform.CpuArchitecture)
	}

	run := client.runs[0]
	tags := map[string]string{}
	for _, tag := range run.Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	wantTags := map[string]string{"workspace_id": string(info.ID), "user_id": "user-1", "session_id": "session-1", "tier": "standard"}
	if diff := cmp.Diff(wantTags, tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	env := map[string]string{}
	for _, kv := range run.Overrides.ContainerOverrides[0].Environment {
		env[aws.ToString(kv.Name)] = aws.ToString(kv.Value)
	}
	if env["WORKSPACE_ID"] != string(info.ID) {
		t.Errorf("config env vars must not override WORKSPACE_ID, got %q", env["WORKSPACE_ID"])
	}
	if env["NODE_ENV"] != "development" || env["GIT_AUTHOR_EMAIL"] != "dev@example.com" || env["WORKSPACE_REPOS"] != cfg.Repos[0] {
		t.Errorf("unexpected environment %v", env)
	}
}

func TestTaskDefinitionIsCached(t *testing.T) {
	client := &mockECSClient{}
	m := newTestManager(client, testConfig())

	for i := 0; i < 3; i++ {
		if _, err := m.CreateWorkspace(context.Background(), "u", "s", compute.WorkspaceConfig{Tier: catalog.TierStarter}, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.CreateWorkspace(context.Background(), "u", "s", compute.WorkspaceConfig{Tier: catalog.TierStarter, BaseImage: "ghcr.io/acme/dev:1"}, ""); err != nil {
		t.Fatal(err)
	}
	if len(client.registered) != 2 {
		t.Errorf("expected 2 task definitions, got %d", len(client.registered))
	}
}

func TestCreateWorkspaceErrors(t *testing.T) {
	var tests = []struct {
		name   string
		client *mockECSClient
		cfg    Config
		tier   types.Tier
		want   compute.Kind
	}{
		{"accelerator tier", &mockECSClient{}, testConfig(), catalog.TierGPUT4, compute.KindConfig},
		{"no cluster", &mockECSClient{}, Config{AgentPort: 7070, Subnets: []string{"s"}}, catalog.TierStarter, compute.KindConfig},
		{"resource failure", &mockECSClient{runFailure: &ecstypes.Failure{Reason: aws.String("RESOURCE:MEMORY")}}, testConfig(), catalog.TierStarter, compute.KindCapacity},
		{"pull failure", &mockECSClient{runFailure: &ecstypes.Failure{Reason: aws.String("CannotPullContainerError")}}, testConfig(), catalog.TierStarter, compute.KindConfig},
		{"invalid parameter", &mockECSClient{runErr: &smithy.GenericAPIError{Code: "InvalidParameterException", Message: "bad subnet"}}, testConfig(), catalog.TierStarter, compute.KindConfig},
		{"throttled", &mockECSClient{runErr: &smithy.GenericAPIError{Code: "ThrottlingException"}}, testConfig(), catalog.TierStarter, compute.KindCapacity},
	}

	for _, tt := range tests {
		m := newTestManager(tt.client, tt.cfg)
		_, err := m.CreateWorkspace(context.Background(), "u", "s", compute.WorkspaceConfig{Tier: tt.tier}, "")
		if !compute.IsKind(err, tt.want) {
			t.Errorf("%s: expected a %s error, got %v", tt.name, tt.want, err)
		}
		if len(m.ListWorkspaces("", "")) != 0 {
			t.Errorf("%s: failed create left a workspace in the index", tt.name)
		}
	}
}

func TestGetWorkspaceStatusMapping(t *testing.T) {
	client := &mockECSClient{lastStatus: "PENDING"}
	m := newTestManager(client, testConfig())
	ctx := context.Background()

	info, err := m.CreateWorkspace(ctx, "u", "s", compute.WorkspaceConfig{}, "")
	if err != nil {
		t.Fatal(err)
	}

	got, _ := m.GetWorkspace(ctx, info.ID)
	if got.Status != compute.StatusCreating || got.Host != "" {
		t.Errorf("expected CREATING without host, got %+v", got)
	}
	if _, ok := m.GetPreviewURL(ctx, info.ID, 3000); ok {
		t.Errorf("no preview url before RUNNING")
	}

	client.lastStatus, client.privateIP = "RUNNING", "10.0.3.7"
	got, _ = m.GetWorkspace(ctx, info.ID)
	if got.Status != compute.StatusRunning || got.Host != "10.0.3.7" {
		t.Errorf("expected RUNNING at 10.0.3.7, got %+v", got)
	}
	if u, ok := m.GetPreviewURL(ctx, info.ID, 3000); !ok || u != "http://10.0.3.7:3000" {
		t.Errorf("unexpected preview url %q", u)
	}

	m.cfg.PreviewDomain = "preview.whist.dev"
	if u, _ := m.GetPreviewURL(ctx, info.ID, 3000); u != "https://3000-"+string(info.ID)+".preview.whist.dev" {
		t.Errorf("unexpected preview url %q", u)
	}

	client.lastStatus = "DEPROVISIONING"
	got, _ = m.GetWorkspace(ctx, info.ID)
	if got.Status != compute.StatusStopped || got.Host != "" {
		t.Errorf("expected STOPPED without host, got %+v", got)
	}

	// A task can't go back to running once stopped.
	client.lastStatus = "RUNNING"
	got, _ = m.GetWorkspace(ctx, info.ID)
	if got.Status != compute.StatusStopped {
		t.Errorf("status moved backwards to %s", got.Status)
	}

	if unknown, err := m.GetWorkspace(ctx, "ws-unknown"); unknown != nil || err != nil {
		t.Errorf("expected nil, nil for an unknown workspace")
	}
}

func TestGetWorkspaceForgottenTask(t *testing.T) {
	client := &mockECSClient{lastStatus: "RUNNING", privateIP: "10.0.0.1"}
	m := newTestManager(client, testConfig())
	info, err := m.CreateWorkspace(context.Background(), "u", "s", compute.WorkspaceConfig{}, "")
	if err != nil {
		t.Fatal(err)
	}
	client.describeNone = true
	got, err := m.GetWorkspace(context.Background(), info.ID)
	if err != nil || got.Status != compute.StatusStopped {
		t.Errorf("expected STOPPED for a task ECS forgot, got %+v, %v", got, err)
	}
}

func TestDeleteWorkspaceIdempotent(t *testing.T) {
	client := &mockECSClient{lastStatus: "RUNNING"}
	m := newTestManager(client, testConfig())
	ctx := context.Background()

	info, err := m.CreateWorkspace(ctx, "u", "s", compute.WorkspaceConfig{}, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := m.DeleteWorkspace(ctx, info.ID, false); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	if err := m.DeleteWorkspace(ctx, "ws-unknown", true); err != nil {
		t.Errorf("delete of unknown workspace: %v", err)
	}
	if len(client.stopped) != 1 {
		t.Errorf("expected exactly one StopTask, got %v", client.stopped)
	}
}

func TestStopMissingTaskSucceeds(t *testing.T) {
	client := &mockECSClient{}
	m := newTestManager(client, testConfig())
	info, err := m.CreateWorkspace(context.Background(), "u", "s", compute.WorkspaceConfig{}, "")
	if err != nil {
		t.Fatal(err)
	}
	client.stopErr = &smithy.GenericAPIError{Code: "InvalidParameterException", Message: "The referenced task was not found."}
	if err := m.StopWorkspace(context.Background(), info.ID); err != nil {
		t.Errorf("stopping a missing task should succeed, got %v", err)
	}
}

func TestExecWithoutHostIsUnreachable(t *testing.T) {
	client := &mockECSClient{lastStatus: "PENDING"}
	m := newTestManager(client, testConfig())
	info, err := m.CreateWorkspace(context.Background(), "u", "s", compute.WorkspaceConfig{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ExecCommand(context.Background(), info.ID, "true", "", time.Second); !compute.IsKind(err, compute.KindConnectivity) {
		t.Errorf("expected a connectivity error, got %v", err)
	}
	if _, err := m.ExecCommand(context.Background(), "ws-unknown", "true", "", time.Second); !compute.IsKind(err, compute.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

// newAgentWorkspace starts a real exec agent and points a running workspace
// at it.
func newAgentWorkspace(t *testing.T) (*Manager, types.WorkspaceID) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	srv := httptest.NewServer(agent.New("sh").Router())
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	cfg := testConfig()
	cfg.AgentPort = port
	client := &mockECSClient{lastStatus: "RUNNING", privateIP: host}
	m := newTestManager(client, cfg)

	info, err := m.CreateWorkspace(context.Background(), "u", "s", compute.WorkspaceConfig{}, "")
	if err != nil {
		t.Fatal(err)
	}
	return m, info.ID
}

func TestExecThroughAgent(t *testing.T) {
	m, id := newAgentWorkspace(t)
	ctx := context.Background()
	dir := t.TempDir()

	res, err := m.ExecCommand(ctx, id, "echo hi; exit 2", dir, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 2 || res.Stdout != "hi\n" {
		t.Errorf("unexpected result %+v", res)
	}

	path := dir + "/notes/it's $(here).txt"
	content := "`backticks` and $(subshells); done\nline two\n"
	if err := m.WriteFile(ctx, id, path, []byte(content)); err != nil {
		t.Fatalf("error writing file: %v", err)
	}
	got, err := m.ReadFile(ctx, id, path)
	if err != nil || string(got) != content {
		t.Errorf("round trip mismatch: %q, %v", got, err)
	}
}

func TestExecStreamThroughAgent(t *testing.T) {
	m, id := newAgentWorkspace(t)

	chunks, err := m.ExecCommandStream(context.Background(), id, "echo one; echo two >&2; exit 3", "", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out strings.Builder
	var last compute.ExecChunk
	for c := range chunks {
		if c.Stream != compute.StreamExit {
			out.WriteString(c.Stream + ":" + c.Data)
		}
		last = c
	}
	if !strings.Contains(out.String(), "stdout:one\n") || !strings.Contains(out.String(), "stderr:two\n") {
		t.Errorf("unexpected streamed output %q", out.String())
	}
	if last.Stream != compute.StreamExit || last.ExitCode != 3 {
		t.Errorf("expected a final exit chunk with code 3, got %+v", last)
	}
}

func TestCleanupIdleWorkspaces(t *testing.T) {
	client := &mockECSClient{lastStatus: "RUNNING"}
	m := newTestManager(client, testConfig())
	now := time.Date(2022, 6, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	idle, _ := m.CreateWorkspace(ctx, "u", "s", compute.WorkspaceConfig{}, "")
	now = now.Add(50 * time.Minute)
	active, _ := m.CreateWorkspace(ctx, "u", "s", compute.WorkspaceConfig{}, "")
	now = now.Add(20 * time.Minute)
	if err := m.Heartbeat(ctx, active.ID); err != nil {
		t.Fatal(err)
	}

	deleted := m.CleanupIdleWorkspaces(ctx, time.Hour)
	if diff := cmp.Diff([]types.WorkspaceID{idle.ID}, deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
	if len(m.CleanupIdleWorkspaces(ctx, 1000*time.Hour)) != 0 {
		t.Errorf("a very large timeout should delete nothing")
	}
}
