package broker

import "testing"

func TestFilterEnvironmentVariablesAllowsListedKeys(t *testing.T) {
	out := FilterEnvironmentVariables(map[string]string{
		"LANG": "en_US.UTF-8",
		"TERM": "xterm-256color",
	})
	if out["LANG"] != "en_US.UTF-8" || out["TERM"] != "xterm-256color" {
		t.Fatalf("expected allow-listed keys to pass through, got %+v", out)
	}
}

func TestFilterEnvironmentVariablesAllowsNamespacedKeys(t *testing.T) {
	out := FilterEnvironmentVariables(map[string]string{"ABLY_CLI_PROFILE": "prod"})
	if out["ABLY_CLI_PROFILE"] != "prod" {
		t.Fatalf("expected namespaced key to pass through, got %+v", out)
	}
}

func TestFilterEnvironmentVariablesDropsUnknownKeys(t *testing.T) {
	out := FilterEnvironmentVariables(map[string]string{
		"LANG":        "en_US.UTF-8",
		"PATH":        "/usr/bin",
		"AWS_API_KEY": "should-not-pass",
	})
	if _, ok := out["PATH"]; ok {
		t.Fatalf("expected PATH to be dropped, got %+v", out)
	}
	if _, ok := out["AWS_API_KEY"]; ok {
		t.Fatalf("expected non-namespaced unknown key to be dropped, got %+v", out)
	}
	if out["LANG"] != "en_US.UTF-8" {
		t.Fatalf("expected LANG to survive filtering, got %+v", out)
	}
}

func TestFilterEnvironmentVariablesHandlesNil(t *testing.T) {
	out := FilterEnvironmentVariables(nil)
	if len(out) != 0 {
		t.Fatalf("expected an empty map for nil input, got %+v", out)
	}
}
