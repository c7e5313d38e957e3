package telemetry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/3cpo-dev/deploy-flake/internal/deploy"
)

func TestObserverCounts(t *testing.T) {
	m := NewMetrics()
	d := deploy.Destination{Host: "web-1"}
	m.CopyAttempt(d, deploy.CopyTimeout)
	m.CopyAttempt(d, deploy.CopyOK)
	m.StageFinished(d, deploy.StageCopy, 3*time.Second, nil)
	m.StageFinished(d, deploy.StageBuild, time.Minute, errors.New("boom"))

	if got := testutil.ToFloat64(m.copyAttempts.WithLabelValues(deploy.CopyTimeout)); got != 1 {
		t.Fatalf("timeouts = %v", got)
	}
	if got := testutil.ToFloat64(m.stageFailures.WithLabelValues("web-1", "build")); got != 1 {
		t.Fatalf("build failures = %v", got)
	}
	if got := testutil.CollectAndCount(m.stageDuration); got != 2 {
		t.Fatalf("duration series = %d", got)
	}
}

func TestRecordResultAndTextfile(t *testing.T) {
	m := NewMetrics()
	m.RecordResult(deploy.Result{Destination: deploy.Destination{Host: "web-1"}, State: deploy.BootCommitted})
	m.RecordResult(deploy.Result{Destination: deploy.Destination{Host: "web-2"}, State: deploy.Built, Err: errors.New("test failed")})
	m.FinishRun(time.Unix(1700000000, 0), errors.New("test failed"))

	if got := testutil.ToFloat64(m.deployments.WithLabelValues("web-2", "built", "failure")); got != 1 {
		t.Fatalf("failed deployments = %v", got)
	}
	if got := testutil.ToFloat64(m.lastSuccess); got != 0 {
		t.Fatalf("last_run_success = %v", got)
	}

	path := filepath.Join(t.TempDir(), "deploy.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`deploy_flake_deployments_total{host="web-1",state="boot-committed",status="success"} 1`,
		`deploy_flake_last_run_timestamp_seconds 1.7e+09`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("textfile lacks %q:\n%s", want, body)
		}
	}
}
