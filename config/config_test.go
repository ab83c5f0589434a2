package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

const sampleYAML = `
bus:
  interface: can0
devices:
  - name: front-encoder
    type: 4
    id: 0
    presence_ms: 1500
    min_firmware: ">=1.2.0"
    required_settings: [1, 2, 5]
  - name: rear-encoder
    type: 4
    id: 1
    no_check: true
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  client_id: cansense
logging:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cansense.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	Convey("a full file loads with every section populated", t, func() {
		cfg, err := Load(writeConfig(t, sampleYAML))

		So(err, ShouldBeNil)
		So(cfg.Bus.Interface, ShouldEqual, "can0")
		So(cfg.Devices, ShouldHaveLength, 2)
		So(cfg.Devices[0].PresenceThreshold(), ShouldEqual, 1500*time.Millisecond)
		So(cfg.Devices[0].RequiredSettings, ShouldResemble, []uint8{1, 2, 5})
		So(cfg.Devices[1].NoCheck, ShouldBeTrue)
		So(cfg.MQTT.Broker, ShouldEqual, "tcp://localhost:1883")
		So(cfg.Logging.Level, ShouldEqual, "debug")
	})

	Convey("an unset presence threshold maps to the library default", t, func() {
		cfg, err := Load(writeConfig(t, sampleYAML))

		So(err, ShouldBeNil)
		So(cfg.Devices[1].PresenceThreshold(), ShouldEqual, time.Duration(0))
	})

	Convey("environment variables override file values", t, func() {
		t.Setenv("CANSENSE_BUS_INTERFACE", "vcan7")
		t.Setenv("CANSENSE_MQTT_BROKER", "tcp://broker.internal:1883")
		t.Setenv("CANSENSE_LOG_LEVEL", "warn")

		cfg, err := Load(writeConfig(t, sampleYAML))

		So(err, ShouldBeNil)
		So(cfg.Bus.Interface, ShouldEqual, "vcan7")
		So(cfg.MQTT.Broker, ShouldEqual, "tcp://broker.internal:1883")
		So(cfg.Logging.Level, ShouldEqual, "warn")
	})

	Convey("a missing file is an error", t, func() {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
		So(err, ShouldNotBeNil)
	})
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Bus: BusConfig{Interface: "can0"},
			Devices: []DeviceConfig{
				{Name: "enc", Type: 4, ID: 0},
			},
		}
	}

	Convey("the codec field bounds are enforced", t, func() {
		cfg := base()
		So(cfg.Validate(), ShouldBeNil)

		Convey("device type is 5 bits", func() {
			cfg.Devices[0].Type = 0x20
			So(cfg.Validate(), ShouldNotBeNil)
		})

		Convey("device id is 6 bits", func() {
			cfg.Devices[0].ID = 0x40
			So(cfg.Validate(), ShouldNotBeNil)
		})

		Convey("device names are required and unique", func() {
			cfg.Devices = append(cfg.Devices, DeviceConfig{Name: "enc", Type: 4, ID: 1})
			So(cfg.Validate(), ShouldNotBeNil)

			cfg.Devices[1].Name = ""
			So(cfg.Validate(), ShouldNotBeNil)
		})
	})

	Convey("a transport must be selected", t, func() {
		cfg := base()
		cfg.Bus.Interface = ""
		So(cfg.Validate(), ShouldNotBeNil)

		cfg.Bus.Sim = true
		So(cfg.Validate(), ShouldBeNil)
	})

	Convey("enabled subsystems need their endpoints", t, func() {
		cfg := base()
		cfg.MQTT.Enabled = true
		So(cfg.Validate(), ShouldNotBeNil)
		cfg.MQTT.Broker = "tcp://localhost:1883"
		So(cfg.Validate(), ShouldBeNil)

		cfg.API.Enabled = true
		So(cfg.Validate(), ShouldNotBeNil)
		cfg.API.Addr = ":8080"
		So(cfg.Validate(), ShouldBeNil)
	})
}
