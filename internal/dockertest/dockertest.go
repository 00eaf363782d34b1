// Package dockertest starts throwaway MySQL and Redis containers for
// integration tests.
package dockertest

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"
)

const MySQLRootPassword = "testpw"

// StartRedis runs redis and returns its host port. The container is removed
// when the test ends.
func StartRedis(t testing.TB) string {
	t.Helper()
	name := fmt.Sprintf("tc-test-redis-%d", time.Now().UnixNano())
	out, err := run(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	t.Cleanup(func() { _ = rmForce(name) })

	port, err := hostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := run("exec", name, "redis-cli", "ping"); err == nil {
			return port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return ""
}

// StartMySQL runs mysql 8 with database dbName and returns its host port.
func StartMySQL(t testing.TB, dbName string) string {
	t.Helper()
	name := fmt.Sprintf("tc-test-mysql-%d", time.Now().UnixNano())
	out, err := run(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD="+MySQLRootPassword,
		"-e", "MYSQL_DATABASE="+dbName,
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	t.Cleanup(func() { _ = rmForce(name) })

	port, err := hostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := run("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-p"+MySQLRootPassword, "--silent"); err == nil {
			return port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return ""
}

func hostPort(container, portProto string) (string, error) {
	out, err := run("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func rmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := run("rm", "-f", container)
	return err
}

func run(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
