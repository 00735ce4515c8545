package defs

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Conf struct {
	Port   string   `yaml:"port"`
	Hosts  []string `yaml:"hosts,omitempty"`
	Folder string   `yaml:"folder"`
	Static string   `yaml:"static,omitempty"`

	*CaptureConf `yaml:"capture,omitempty"`
	*RelayConf   `yaml:"relay,omitempty"`
	*RtcConf     `yaml:"rtc,omitempty"`
	*LogConf     `yaml:"log,omitempty"`
}

type CaptureConf struct {
	Device string `yaml:"device,omitempty"`
	W      int    `yaml:"width,omitempty"`
	H      int    `yaml:"height,omitempty"`
	FPS    int    `yaml:"fps,omitempty"`
	Exact  bool   `yaml:"exact"`
}

type RelayConf struct {
	Redraw  bool `yaml:"redraw"`
	Overlay bool `yaml:"overlay"`
}

type RtcConf struct {
	IceServers  []string      `yaml:"ice_servers,omitempty"`
	OfferAudio  bool          `yaml:"offer_audio"`
	OfferVideo  bool          `yaml:"offer_video"`
	PliInterval time.Duration `yaml:"pli_interval,omitempty"`
}

type LogConf struct {
	Level   string `yaml:"level,omitempty"`
	Console bool   `yaml:"console"`
}

func ReadConf(name string) (c *Conf, err error) {
	b, err := os.ReadFile(name)
	if err != nil {
		err = errors.Wrap(err, "read conf")
		return
	}

	c = &Conf{}
	if err = yaml.Unmarshal(b, c); err != nil {
		err = errors.Wrapf(err, "parse %s", name)
		return
	}
	c.Defaults()
	return
}

// Defaults fills the sections left out of the yaml file.
// The capture defaults are the 640x480 at exactly 15 fps of the demo page.
func (c *Conf) Defaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.Folder == "" {
		c.Folder = "recordings"
	}
	if c.Static == "" {
		c.Static = "static"
	}
	if c.CaptureConf == nil {
		c.CaptureConf = &CaptureConf{Exact: true}
	}
	if c.W == 0 {
		c.W = 640
	}
	if c.H == 0 {
		c.H = 480
	}
	if c.FPS == 0 {
		c.FPS = 15
	}
	if c.RelayConf == nil {
		c.RelayConf = &RelayConf{Redraw: true}
	}
	if c.RtcConf == nil {
		c.RtcConf = &RtcConf{OfferAudio: true, OfferVideo: true}
	}
	if c.PliInterval == 0 {
		c.PliInterval = 2 * time.Second
	}
	if c.LogConf == nil {
		c.LogConf = &LogConf{Console: true}
	}
	if c.Level == "" {
		c.Level = "info"
	}
}
