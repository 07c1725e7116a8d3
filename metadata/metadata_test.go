package metadata

import (
	"os"
	"testing"

	"github.com/whisthq/whist/backend/workspaces/utils"
)

var environmentTests = []struct {
	environmentVar string
	want           AppEnvironment
}{
	{"localdev", EnvLocalDev},
	{"LocalDev", EnvLocalDev},

	{"DEV", EnvDev},
	{"development", EnvDev},

	{"staging", EnvStaging},
	{"STAGING", EnvStaging},

	{"prod", EnvProd},
	{"Production", EnvProd},

	{"unknown", EnvLocalDev},
	{"", EnvLocalDev},
}

func TestParseAppEnvironment(t *testing.T) {
	for _, tt := range environmentTests {
		testname := utils.Sprintf("%s,%s", tt.environmentVar, tt.want)
		t.Run(testname, func(t *testing.T) {
			if got := parseAppEnvironment(tt.environmentVar); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsRunningInCI(t *testing.T) {
	old, had := os.LookupEnv("CI")
	defer func() {
		if had {
			os.Setenv("CI", old)
		} else {
			os.Unsetenv("CI")
		}
	}()

	os.Setenv("CI", "true")
	if !IsRunningInCI() {
		t.Errorf("expected CI=true to be detected")
	}

	os.Setenv("CI", "nope")
	if IsRunningInCI() {
		t.Errorf("expected CI=nope to not be detected")
	}
}
