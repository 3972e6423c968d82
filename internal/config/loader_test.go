package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/example/atc-api/internal/config"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		convey.Convey("When loading config with defaults only", func() {
			clearConfigEnv(t)

			cfg, err := config.Load()

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8000")
				convey.So(cfg.UploadsDir, convey.ShouldEqual, "uploads")
				convey.So(cfg.Database.OpTimeout, convey.ShouldEqual, 2*time.Second)
				convey.So(cfg.Database.ConnectTimeout, convey.ShouldEqual, 2*time.Second)
				convey.So(cfg.Vision.MarkerLengthCM, convey.ShouldEqual, 10.0)
				convey.So(cfg.Auth.Enabled, convey.ShouldBeFalse)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			clearConfigEnv(t)
			t.Setenv("ATC_ADDR", ":9090")
			t.Setenv("ATC_DATABASE__OP_TIMEOUT", "500ms")
			t.Setenv("ATC_REDIS__ENABLED", "false")
			t.Setenv("ATC_VISION__MARKER_LENGTH_CM", "15")

			cfg, err := config.Load()

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.Database.OpTimeout, convey.ShouldEqual, 500*time.Millisecond)
				convey.So(cfg.Redis.Enabled, convey.ShouldBeFalse)
				convey.So(cfg.Vision.MarkerLengthCM, convey.ShouldEqual, 15.0)
			})
		})

		convey.Convey("When loading config with YAML file", func() {
			clearConfigEnv(t)
			path := filepath.Join(t.TempDir(), "atc.yaml")
			yamlContent := `
addr: ":7000"
uploads_dir: /var/lib/atc
database:
  dsn: "host=db user=atc"
  op_timeout: 3s
auth:
  enabled: true
  jwt_secret: shh
`
			convey.So(os.WriteFile(path, []byte(yamlContent), 0o600), convey.ShouldBeNil)
			t.Setenv("ATC_CONFIG", path)

			cfg, err := config.Load()

			convey.Convey("Then it should load from YAML file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":7000")
				convey.So(cfg.UploadsDir, convey.ShouldEqual, "/var/lib/atc")
				convey.So(cfg.Database.DSN, convey.ShouldEqual, "host=db user=atc")
				convey.So(cfg.Database.OpTimeout, convey.ShouldEqual, 3*time.Second)
				convey.So(cfg.Database.MaxOpenConns, convey.ShouldEqual, 10)
				convey.So(cfg.Auth.Enabled, convey.ShouldBeTrue)
			})
		})

		convey.Convey("When auth is enabled without a secret", func() {
			clearConfigEnv(t)
			t.Setenv("ATC_AUTH__ENABLED", "true")

			_, err := config.Load()

			convey.Convey("Then validation should fail", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "jwt_secret")
			})
		})
	})
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "ATC_") {
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}
	}
}
