// Package model defines the persistent and in-memory types shared by the
// dispatcher's components: watched-directory configuration, transfer
// attempts, and per-source error accounting.
package model

// PollerType selects which enumeration rule a Source's poller uses.
// The set is closed; an unknown tag is a startup-fatal configuration error,
// checked at source-load time rather than at poll time.
type PollerType string

const (
	PollerFile   PollerType = "File"
	PollerDir    PollerType = "Dir"
	PollerSubDir PollerType = "SubDir"
	PollerTelus  PollerType = "Telus"
	PollerPA     PollerType = "PA"
	PollerDirTar PollerType = "DirTar"
	PollerGoogle PollerType = "Google"
)

// ValidPollerType reports whether t is one of the seven supported tags.
func ValidPollerType(t PollerType) bool {
	switch t {
	case PollerFile, PollerDir, PollerSubDir, PollerTelus, PollerPA, PollerDirTar, PollerGoogle:
		return true
	}
	return false
}

// Source is one watched root directory, persisted as a row of the
// `pollers` table.
type Source struct {
	Name string
	// Enabled gates whether the Poller Manager includes this source in its
	// fleet. Set to false automatically when the error budget trips, and
	// back to true when the Control Loop clears an expired cooldown.
	Enabled bool
	// PollerType selects the enumeration rule; see PollerType.
	PollerType PollerType
	// Path is the absolute local directory this source watches.
	Path string

	// MaxTransfers is the per-source concurrency cap (positive).
	MaxTransfers int

	// Upload target.
	Host        string
	Username    string
	SSHPort     int
	Password    string // optional
	SSHKey      []byte // optional public-key bytes
	Destination string // optional remote subpath

	// TransferSpeed is the throughput cap in megabit units.
	TransferSpeed int

	Encrypt           bool
	EncryptPassphrase string
}

// Equal reports whether two sources describe the same configuration. Used
// by the Control Loop to detect a source whose membership in the enabled
// set has not changed (spec §4.6 "If equal, do nothing").
func (s Source) Equal(o Source) bool {
	if len(s.SSHKey) != len(o.SSHKey) {
		return false
	}
	for i := range s.SSHKey {
		if s.SSHKey[i] != o.SSHKey[i] {
			return false
		}
	}
	return s.Name == o.Name &&
		s.Enabled == o.Enabled &&
		s.PollerType == o.PollerType &&
		s.Path == o.Path &&
		s.MaxTransfers == o.MaxTransfers &&
		s.Host == o.Host &&
		s.Username == o.Username &&
		s.SSHPort == o.SSHPort &&
		s.Password == o.Password &&
		s.Destination == o.Destination &&
		s.TransferSpeed == o.TransferSpeed &&
		s.Encrypt == o.Encrypt &&
		s.EncryptPassphrase == o.EncryptPassphrase
}
