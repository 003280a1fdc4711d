// Package catalog is the packet catalog: a static,
// read-only, triple-keyed mapping (protocolVersion, mode, direction) to a
// packet id<->name table, loaded once from fixed data. It is purely
// lexical — it never touches payload bytes.
package catalog

import (
	"fmt"
	"sort"

	"go.quarry.dev/quarry/pkg/proto"
)

// entry is one row of the static table: id<->name is valid for protocol
// versions in [minVersion, maxVersion] (inclusive) of the given
// mode/direction.
type entry struct {
	mode proto.Mode
	direction proto.Direction
	minVersion proto.Protocol
	maxVersion proto.Protocol // unbounded is represented by maxProtocol
	id int32
	name string
}

const maxProtocol = proto.Protocol(1 << 30)

// table is the fixed data set the catalog is loaded from. Real servers
// renumber play-mode ids on nearly every release; we track three eras
// (legacy pre-netty, netty 1.8 through 1.16.2, modern 1.18.2+) which is
// enough to exercise
// every state transition and the duplicate compression-enable opcode
// without attempting full version-by-version fidelity.
var table = []entry{
	// init
	{proto.Init, proto.Upstream, 0, maxProtocol, 0x00, "handshake"},

	// status
	{proto.Status, proto.Upstream, 0, maxProtocol, 0x00, "status_request"},
	{proto.Status, proto.Upstream, 0, maxProtocol, 0x01, "status_ping"},
	{proto.Status, proto.Downstream, 0, maxProtocol, 0x00, "status_response"},
	{proto.Status, proto.Downstream, 0, maxProtocol, 0x01, "status_pong"},

	// login
	{proto.Login, proto.Upstream, 0, maxProtocol, 0x00, "login_start"},
	{proto.Login, proto.Upstream, 0, maxProtocol, 0x01, "encryption_response"},
	{proto.Login, proto.Downstream, 0, maxProtocol, 0x00, "login_disconnect"},
	{proto.Login, proto.Downstream, 0, maxProtocol, 0x01, "encryption_request"},
	{proto.Login, proto.Downstream, 0, maxProtocol, 0x02, "login_success"},
	// compression didn't exist before netty ("enabled bit").
	{proto.Login, proto.Downstream, proto.Minecraft_1_8, maxProtocol, 0x03, "login_set_compression"},

	// play: legacy era (protocol 4) never reaches play with compression or
	// with the packet ids below in effect for this catalog's scope.
	{proto.Play, proto.Upstream, proto.Minecraft_1_8, proto.Minecraft_1_16_2, 0x00, "keep_alive"},
	{proto.Play, proto.Upstream, proto.Minecraft_1_8, proto.Minecraft_1_16_2, 0x02, "chat_message"},
	{proto.Play, proto.Downstream, proto.Minecraft_1_8, proto.Minecraft_1_16_2, 0x1f, "keep_alive"},
	{proto.Play, proto.Downstream, proto.Minecraft_1_8, proto.Minecraft_1_16_2, 0x0f, "chat"},
	{proto.Play, proto.Downstream, proto.Minecraft_1_8, proto.Minecraft_1_16_2, 0x23, "join_game"},
	{proto.Play, proto.Downstream, proto.Minecraft_1_8, proto.Minecraft_1_16_2, 0x1a, "disconnect"},
	// duplicate client-path compression-enable opcode: some source
	// variants also accept it on the client path post-play instead of
	// (or in addition to) the login-phase opcode above.
	{proto.Play, proto.Downstream, proto.Minecraft_1_16, proto.Minecraft_1_16_2, 0x3d, "play_set_compression"},

	// play: modern era
	{proto.Play, proto.Upstream, proto.Minecraft_1_18_2, maxProtocol, 0x0f, "keep_alive"},
	{proto.Play, proto.Upstream, proto.Minecraft_1_18_2, maxProtocol, 0x04, "chat_message"},
	{proto.Play, proto.Downstream, proto.Minecraft_1_18_2, maxProtocol, 0x1e, "keep_alive"},
	{proto.Play, proto.Downstream, proto.Minecraft_1_18_2, maxProtocol, 0x33, "chat"},
	{proto.Play, proto.Downstream, proto.Minecraft_1_18_2, maxProtocol, 0x25, "join_game"},
	{proto.Play, proto.Downstream, proto.Minecraft_1_18_2, maxProtocol, 0x19, "disconnect"},
	{proto.Play, proto.Downstream, proto.Minecraft_1_18_2, maxProtocol, 0x3f, "play_set_compression"},
}

// supportedVersions is the recognised anchor version set.
var supportedVersions = []proto.Protocol{
	proto.Minecraft_1_7_2,
	proto.Minecraft_1_8,
	proto.Minecraft_1_12_2,
	proto.Minecraft_1_13,
	proto.Minecraft_1_16,
	proto.Minecraft_1_16_2,
	proto.Minecraft_1_18_2,
	proto.Minecraft_1_19_4,
	proto.Minecraft_1_20_2,
}

// ErrUnknownID is returned by NameOf when no entry matches.
type ErrUnknownID struct {
	Version proto.Protocol
	Mode proto.Mode
	Direction proto.Direction
	ID int32
}

func (e *ErrUnknownID) Error() string {
	return fmt.Sprintf("catalog: unknown packet id 0x%02x for (%d, %s, %s)", e.ID, e.Version, e.Mode, e.Direction)
}

// ErrUnknownName is returned by IDOf when no entry matches.
type ErrUnknownName struct {
	Version proto.Protocol
	Mode proto.Mode
	Direction proto.Direction
	Name string
}

func (e *ErrUnknownName) Error() string {
	return fmt.Sprintf("catalog: unknown packet name %q for (%d, %s, %s)", e.Name, e.Version, e.Mode, e.Direction)
}

func matches(e entry, version proto.Protocol, mode proto.Mode, dir proto.Direction) bool {
	return e.mode == mode && e.direction == dir && version >= e.minVersion && version <= e.maxVersion
}

// NameOf resolves a packet id to its name for (version, mode, direction).
// A missing id is a fatal protocol error.
func NameOf(version proto.Protocol, mode proto.Mode, dir proto.Direction, id int32) (string, error) {
	for _, e := range table {
		if matches(e, version, mode, dir) && e.id == id {
			return e.name, nil
		}
	}
	return "", &ErrUnknownID{version, mode, dir, id}
}

// IDOf resolves a packet name to its id for (version, mode, direction).
// A missing name is a fatal protocol error.
func IDOf(version proto.Protocol, mode proto.Mode, dir proto.Direction, name string) (int32, error) {
	for _, e := range table {
		if matches(e, version, mode, dir) && e.name == name {
			return e.id, nil
		}
	}
	return 0, &ErrUnknownName{version, mode, dir, name}
}

// SupportedVersions returns the recognised protocol version set, sorted ascending.
func SupportedVersions() []proto.Protocol {
	out := make([]proto.Protocol, len(supportedVersions))
	copy(out, supportedVersions)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsSupported reports whether version is one of the recognised versions.
func IsSupported(version proto.Protocol) bool {
	for _, v := range supportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// DefaultVersion returns the newest recognised protocol version.
func DefaultVersion() proto.Protocol {
	versions := SupportedVersions()
	return versions[len(versions)-1]
}
