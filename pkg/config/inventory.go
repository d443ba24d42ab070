package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/fleetrun/pkg/config/configstore"
	"github.com/andrej220/fleetrun/pkg/models"
)

// Settings tune the fleet core. Zero values select the defaults below.
type Settings struct {
	Workers        int           `yaml:"workers" json:"workers" bson:"workers" validate:"gte=0,lte=1024"`
	DialTimeout    time.Duration `yaml:"dialTimeout" json:"dialTimeout" bson:"dialTimeout" validate:"gte=0"`
	KnownHosts     string        `yaml:"knownHosts,omitempty" json:"knownHosts,omitempty" bson:"knownHosts,omitempty"`
	Settle         time.Duration `yaml:"settle" json:"settle" bson:"settle" validate:"gte=0"`
	MaxFinishPolls uint64        `yaml:"maxFinishPolls" json:"maxFinishPolls" bson:"maxFinishPolls"`
	PollInterval   time.Duration `yaml:"pollInterval" json:"pollInterval" bson:"pollInterval" validate:"gte=0"`
	PollRounds     uint64        `yaml:"pollRounds" json:"pollRounds" bson:"pollRounds"`
	SnapshotEvery  int           `yaml:"snapshotEvery" json:"snapshotEvery" bson:"snapshotEvery"`
}

var DefaultSettings = Settings{
	Workers:        10,
	DialTimeout:    5 * time.Second,
	Settle:         time.Second,
	MaxFinishPolls: 300,
	PollInterval:   2 * time.Second,
	PollRounds:     150,
	SnapshotEvery:  50,
}

type Credentials struct {
	Username string `yaml:"username" json:"username" bson:"username"`
	Password string `yaml:"password" json:"-" bson:"password"`
}

type TargetSpec struct {
	Host     string `yaml:"host" json:"host" bson:"host" validate:"required,hostname_rfc1123|ip"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty" bson:"port,omitempty" validate:"gte=1,lte=65535"`
	Username string `yaml:"username,omitempty" json:"username,omitempty" bson:"username,omitempty" validate:"required"`
	Password string `yaml:"password,omitempty" json:"-" bson:"password,omitempty"`
}

type KafkaSettings struct {
	Brokers      []string `yaml:"brokers" json:"brokers" bson:"brokers" validate:"omitempty,dive,hostname_port"`
	RequestTopic string   `yaml:"requestTopic" json:"requestTopic" bson:"requestTopic"`
	ResultTopic  string   `yaml:"resultTopic" json:"resultTopic" bson:"resultTopic"`
	GroupID      string   `yaml:"groupId" json:"groupId" bson:"groupId"`
}

type ServerSettings struct {
	Port     string `yaml:"port" json:"port" bson:"port" validate:"omitempty,numeric"`
	Endpoint string `yaml:"endpoint" json:"endpoint" bson:"endpoint"`
}

// Inventory is the document every store holds: tuning, default
// credentials and the fleet itself.
type Inventory struct {
	Settings Settings       `yaml:"settings" json:"settings" bson:"settings"`
	Defaults Credentials    `yaml:"defaults" json:"defaults" bson:"defaults"`
	Targets  []TargetSpec   `yaml:"targets" json:"targets" bson:"targets" validate:"required,min=1,dive"`
	Kafka    KafkaSettings  `yaml:"kafka,omitempty" json:"kafka,omitempty" bson:"kafka,omitempty"`
	Server   ServerSettings `yaml:"server,omitempty" json:"server,omitempty" bson:"server,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadInventory reads the inventory from store, fills in defaults and
// validates it.
func LoadInventory(store configstore.ConfigStore) (*Inventory, error) {
	var inv Inventory
	if err := store.Load(&inv); err != nil {
		return nil, err
	}
	inv.ApplyDefaults()
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (inv *Inventory) ApplyDefaults() {
	s := &inv.Settings
	if s.Workers == 0 {
		s.Workers = DefaultSettings.Workers
	}
	if s.DialTimeout == 0 {
		s.DialTimeout = DefaultSettings.DialTimeout
	}
	if s.Settle == 0 {
		s.Settle = DefaultSettings.Settle
	}
	if s.MaxFinishPolls == 0 {
		s.MaxFinishPolls = DefaultSettings.MaxFinishPolls
	}
	if s.PollInterval == 0 {
		s.PollInterval = DefaultSettings.PollInterval
	}
	if s.PollRounds == 0 {
		s.PollRounds = DefaultSettings.PollRounds
	}
	if s.SnapshotEvery == 0 {
		s.SnapshotEvery = DefaultSettings.SnapshotEvery
	}

	for i := range inv.Targets {
		t := &inv.Targets[i]
		if t.Port == 0 {
			t.Port = models.DefaultPort
		}
		if t.Username == "" {
			t.Username = inv.Defaults.Username
		}
		if t.Password == "" {
			t.Password = inv.Defaults.Password
		}
	}
}

func (inv *Inventory) Validate() error {
	if err := validate.Struct(inv); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid inventory: %w", verrs)
		}
		return err
	}
	return nil
}

// BuildTargets creates one Target per inventory entry, in order.
func (inv *Inventory) BuildTargets() []*models.Target {
	out := make([]*models.Target, len(inv.Targets))
	for i, t := range inv.Targets {
		out[i] = models.NewTarget(t.Username, t.Password, t.Host, t.Port)
	}
	return out
}

// Select picks targets by host or host:port. An empty selection returns all
// of them.
func Select(targets []*models.Target, hosts []string) ([]*models.Target, error) {
	if len(hosts) == 0 {
		return targets, nil
	}
	byKey := make(map[string]*models.Target, 2*len(targets))
	for _, t := range targets {
		byKey[t.Endpoint()] = t
		if _, taken := byKey[t.Host()]; !taken {
			byKey[t.Host()] = t
		}
	}

	out := make([]*models.Target, 0, len(hosts))
	seen := make(map[*models.Target]bool, len(hosts))
	for _, h := range hosts {
		t, ok := byKey[h]
		if !ok {
			return nil, fmt.Errorf("host %q is not in the inventory", h)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}
