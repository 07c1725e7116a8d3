package instancepool

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"github.com/whisthq/whist/backend/workspaces/catalog"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
)

type mockEC2Client struct {
	runs       []*ec2.RunInstancesInput
	stopped    []string
	terminated []string
	state      ec2types.InstanceStateName
	privateIP  string
	runErr     error
	gone       bool
}

func (m *mockEC2Client) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	if m.runErr != nil {
		return nil, m.runErr
	}
	m.runs = append(m.runs, in)
	id := "i-" + strconv.Itoa(len(m.runs))
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{{InstanceId: aws.String(id)}}}, nil
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if m.gone {
		return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}
	}
	instance := ec2types.Instance{
		InstanceId: aws.String(in.InstanceIds[0]),
		State:      &ec2types.InstanceState{Name: m.state},
	}
	if m.privateIP != "" {
		instance.PrivateIpAddress = aws.String(m.privateIP)
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{instance}}}}, nil
}

func (m *mockEC2Client) StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	if m.gone {
		return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}
	}
	m.stopped = append(m.stopped, in.InstanceIds...)
	return &ec2.StopInstancesOutput{}, nil
}

func (m *mockEC2Client) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if m.gone {
		return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}
	}
	m.terminated = append(m.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

// mockSSMClient runs each command locally, with a docker shim on the PATH
// that turns `docker exec workspace ...` into a plain exec in dir.
type mockSSMClient struct {
	lock sync.Mutex

	dir     string
	path    string
	hang    bool
	results map[string]*ssm.GetCommandInvocationOutput
	polls   map[string]int
	scripts []string
	cancels []string
}

func newMockSSMClient(t *testing.T) *mockSSMClient {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	bin := t.TempDir()
	shim := "#!/bin/sh\nshift 2\nexec \"$@\"\n"
	if err := os.WriteFile(filepath.Join(bin, "docker"), []byte(shim), 0o755); err != nil {
		t.Fatal(err)
	}
	return &mockSSMClient{
		dir:     t.TempDir(),
		path:    bin + string(os.PathListSeparator) + os.Getenv("PATH"),
		results: make(map[string]*ssm.GetCommandInvocationOutput),
		polls:   make(map[string]int),
	}
}

func (m *mockSSMClient) SendCommand(ctx context.Context, in *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	script := in.Parameters["commands"][0]
	m.scripts = append(m.scripts, script)
	id := "cmd-" + strconv.Itoa(len(m.scripts))

	if !m.hang {
		cmd := exec.Command("sh", "-c", script)
		cmd.Dir = m.dir
		cmd.Env = append(os.Environ(), "PATH="+m.path)
		var stdout, stderr bytes.Buffer
		cmd.Stdout, cmd.Stderr = &stdout, &stderr
		status := ssmtypes.CommandInvocationStatusSuccess
		code := 0
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, err
			}
			status, code = ssmtypes.CommandInvocationStatusFailed, exitErr.ExitCode()
		}
		m.results[id] = &ssm.GetCommandInvocationOutput{
			Status:                status,
			ResponseCode:          int32(code),
			StandardOutputContent: aws.String(stdout.String()),
			StandardErrorContent:  aws.String(stderr.String()),
		}
	}
	return &ssm.SendCommandOutput{Command: &ssmtypes.Command{CommandId: aws.String(id)}}, nil
}

func (m *mockSSMClient) GetCommandInvocation(ctx context.Context, in *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	id := aws.ToString(in.CommandId)
	m.polls[id]++
	switch {
	case m.polls[id] == 1:
		return nil, &smithy.GenericAPIError{Code: "InvocationDoesNotExist"}
	case m.polls[id] == 2 || m.hang:
		return &ssm.GetCommandInvocationOutput{Status: ssmtypes.CommandInvocationStatusInProgress}, nil
	}
	return m.results[id], nil
}

func (m *mockSSMClient) CancelCommand(ctx context.Context, in *ssm.CancelCommandInput, optFns ...func(*ssm.Options)) (*ssm.CancelCommandOutput, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.cancels = append(m.cancels, aws.ToString(in.CommandId))
	return &ssm.CancelCommandOutput{}, nil
}

func testConfig() Config {
	return Config{
		Pools:    map[string]string{"gpu": "ami-gpu", "arm64": "ami-arm", "ml": "ami-ml"},
		SubnetID: "subnet-1",
	}
}

func newTestManager(ec2Client *mockEC2Client, ssmClient ssmAPI) *Manager {
	m := newManager(testConfig(), catalog.Default(), ec2Client, ssmClient, nil)
	m.pollInterval = time.Millisecond
	return m
}

func TestCreateWorkspaceLaunchesFromPool(t *testing.T) {
	ec2Client := &mockEC2Client{}
	m := newTestManager(ec2Client, nil)

	info, err := m.CreateWorkspace(context.Background(), "user-1", "session-1", compute.WorkspaceConfig{Tier: catalog.TierGPUT4}, "")
	if err != nil {
		t.Fatalf("error creating workspace: %v", err)
	}
	if info.Backend != types.EndpointInstancePool || info.BackendHandle != "i-1" || info.Status != compute.StatusCreating {
		t.Errorf("unexpected info %+v", info)
	}

	run := ec2Client.runs[0]
	if aws.ToString(run.ImageId) != "ami-gpu" || run.InstanceType != ec2types.InstanceType("g4dn.2xlarge") {
		t.Errorf("unexpected launch %s %s", aws.ToString(run.ImageId), run.InstanceType)
	}
	if run.InstanceInitiatedShutdownBehavior != ec2types.ShutdownBehaviorTerminate {
		t.Errorf("instances must terminate on shutdown")
	}

	tags := map[string]string{}
	for _, tag := range run.TagSpecifications[0].Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	if tags["user_id"] != "user-1" || tags["session_id"] != "session-1" || tags["tier"] != "gpu_t4" || tags["workspace_id"] != string(info.ID) {
		t.Errorf("unexpected tags %v", tags)
	}

	userData, err := base64.StdEncoding.DecodeString(aws.ToString(run.UserData))
	if err != nil {
		t.Fatalf("user data is not base64: %v", err)
	}
	if !strings.Contains(string(userData), "'--gpus' 'all'") {
		t.Errorf("gpu tiers must request GPUs:\n%s", userData)
	}
}

func TestUserDataQuotesEnvironment(t *testing.T) {
	spec := catalog.Default().Spec(catalog.TierARMStandard)
	script := UserData("ws-1", "img:latest", spec, compute.WorkspaceConfig{
		EnvVars: map[string]string{"EVIL": "$(reboot); `halt`"},
	})
	if !strings.Contains(script, `'EVIL=$(reboot); `+"`halt`"+`'`) {
		t.Errorf("env var not quoted:\n%s", script)
	}
	if strings.Contains(script, "--gpus") {
		t.Errorf("cpu tiers must not request GPUs")
	}
}

func TestCreateWorkspaceErrors(t *testing.T) {
	var tests = []struct {
		name   string
		runErr error
		pools  map[string]string
		want   compute.Kind
	}{
		{"no capacity", &smithy.GenericAPIError{Code: "InsufficientInstanceCapacity"}, nil, compute.KindCapacity},
		{"instance limit", &smithy.GenericAPIError{Code: "InstanceLimitExceeded"}, nil, compute.KindCapacity},
		{"bad ami", &smithy.GenericAPIError{Code: "InvalidAMIID.Malformed"}, nil, compute.KindConfig},
		{"bad parameter", &smithy.GenericAPIError{Code: "InvalidParameterCombination"}, nil, compute.KindConfig},
		{"unknown pool", nil, map[string]string{}, compute.KindConfig},
	}

	for _, tt := range tests {
		m := newTestManager(&mockEC2Client{runErr: tt.runErr}, nil)
		if tt.pools != nil {
			m.cfg.Pools = tt.pools
		}
		_, err := m.CreateWorkspace(context.Background(), "u", "s", compute.WorkspaceConfig{Tier: catalog.TierGPUA10G}, "")
		if !compute.IsKind(err, tt.want) {
			t.Errorf("%s: expected %s, got %v", tt.name, tt.want, err)
		}
	}

	// Serverless tiers have no pool.
	m := newTestManager(&mockEC2Client{}, nil)
	if _, err := m.CreateWorkspace(context.Background(), "u", "s", compute.WorkspaceConfig{Tier: catalog.TierStarter}, ""); !compute.IsKind(err, compute.KindConfig) {
		t.Errorf("expected a config error for a serverless tier, got %v", err)
	}
}

func TestGetWorkspaceAndDelete(t *testing.T) {
	ec2Client := &mockEC2Client{state: ec2types.InstanceStateNamePending}
	m := newTestManager(ec2Client, nil)
	ctx := context.Background()

	info, err := m.CreateWorkspace(ctx, "u", "s", compute.WorkspaceConfig{Tier: catalog.TierMLInferentia}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := m.GetWorkspace(ctx, info.ID); got.Status != compute.StatusCreating {
		t.Errorf("expected CREATING, got %s", got.Status)
	}

	ec2Client.state, ec2Client.privateIP = ec2types.InstanceStateNameRunning, "10.1.2.3"
	got, _ := m.GetWorkspace(ctx, info.ID)
	if got.Status != compute.StatusRunning || got.Host != "10.1.2.3" {
		t.Errorf("expected RUNNING at 10.1.2.3, got %+v", got)
	}
	if u, ok := m.GetPreviewURL(ctx, info.ID, 8080); !ok || u != "http://10.1.2.3:8080" {
		t.Errorf("unexpected preview url %q", u)
	}

	if err := m.DeleteWorkspace(ctx, info.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteWorkspace(ctx, info.ID, true); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if len(ec2Client.stopped) != 1 || len(ec2Client.terminated) != 1 {
		t.Errorf("expected one stop and one terminate, got %v and %v", ec2Client.stopped, ec2Client.terminated)
	}
	if got, err := m.GetWorkspace(ctx, info.ID); got != nil || err != nil {
		t.Errorf("expected a deleted workspace to be unknown")
	}
}

func TestDeleteAlreadyTerminatedInstance(t *testing.T) {
	ec2Client := &mockEC2Client{}
	m := newTestManager(ec2Client, nil)
	info, err := m.CreateWorkspace(context.Background(), "u", "s", compute.WorkspaceConfig{Tier: catalog.TierGPUT4}, "")
	if err != nil {
		t.Fatal(err)
	}
	ec2Client.gone = true
	if err := m.DeleteWorkspace(context.Background(), info.ID, false); err != nil {
		t.Errorf("deleting a vanished instance should succeed, got %v", err)
	}
}

func newExecWorkspace(t *testing.T, ssmClient *mockSSMClient) (*Manager, types.WorkspaceID) {
	t.Helper()
	m := newTestManager(&mockEC2Client{}, ssmClient)
	info, err := m.CreateWorkspace(context.Background(), "u", "s", compute.WorkspaceConfig{Tier: catalog.TierGPUT4}, "")
	if err != nil {
		t.Fatal(err)
	}
	return m, info.ID
}

func TestExecCommandThroughSSM(t *testing.T) {
	ssmClient := newMockSSMClient(t)
	m, id := newExecWorkspace(t, ssmClient)

	res, err := m.ExecCommand(context.Background(), id, "echo out; echo err >&2; exit 5", "", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 5 || res.Stdout != "out\n" || res.Stderr != "err\n" {
		t.Errorf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(ssmClient.scripts[0], "'docker' 'exec' 'workspace' 'sh' '-c' ") {
		t.Errorf("unexpected script %q", ssmClient.scripts[0])
	}
}

func TestExecCommandTimesOut(t *testing.T) {
	ssmClient := newMockSSMClient(t)
	ssmClient.hang = true
	m, id := newExecWorkspace(t, ssmClient)

	start := time.Now()
	res, err := m.ExecCommand(context.Background(), id, "sleep 100", "", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TimedOut || res.ExitCode != compute.TimedOutExitCode {
		t.Errorf("expected a timed out result, got %+v", res)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("exec blocked well past its deadline")
	}
	if len(ssmClient.cancels) != 1 {
		t.Errorf("expected the timed out command to be cancelled")
	}
}

func TestFileRoundTripThroughSSM(t *testing.T) {
	ssmClient := newMockSSMClient(t)
	m, id := newExecWorkspace(t, ssmClient)
	ctx := context.Background()

	var tests = []string{
		`quotes ' and " and \ backslash`,
		"`whoami` $(id) ; rm -rf / ; echo done\nsecond line\n",
		strings.Repeat("large file spanning several reads\n", 2000),
	}
	for i, content := range tests {
		p := "dir/file-" + strconv.Itoa(i) + ".txt"
		if err := m.WriteFile(ctx, id, p, []byte(content)); err != nil {
			t.Fatalf("error writing %s: %v", p, err)
		}
		got, err := m.ReadFile(ctx, id, p)
		if err != nil {
			t.Fatalf("error reading %s: %v", p, err)
		}
		if string(got) != content {
			t.Errorf("round trip %d mismatch: got %d bytes, expected %d", i, len(got), len(content))
		}
	}
}
