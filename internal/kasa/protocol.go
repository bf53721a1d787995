package kasa

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/fbettag/kasa-web-controller/internal/device"
)

const initialKey byte = 171

// maxFrame guards against garbage length prefixes.
const maxFrame = 1 << 20

// encrypt applies the XOR autokey cipher: each output byte becomes the key
// for the next input byte.
func encrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := initialKey
	for i, b := range plain {
		key ^= b
		out[i] = key
	}
	return out
}

func decrypt(cipher []byte) []byte {
	out := make([]byte, len(cipher))
	key := initialKey
	for i, b := range cipher {
		out[i] = key ^ b
		key = b
	}
	return out
}

// writeFrame writes the 4-byte big-endian length prefix used on TCP.
func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], encrypt(payload))
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrame {
		return nil, fmt.Errorf("bad frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decrypt(body), nil
}

var sysinfoRequest = []byte(`{"system":{"get_sysinfo":{}}}`)

func relayRequest(childID string, on bool) ([]byte, error) {
	state := 0
	if on {
		state = 1
	}
	req := map[string]any{
		"system": map[string]any{
			"set_relay_state": map[string]any{"state": state},
		},
	}
	if childID != "" {
		req["context"] = map[string]any{"child_ids": []string{childID}}
	}
	return json.Marshal(req)
}

type sysinfo struct {
	Alias      string      `json:"alias"`
	Model      string      `json:"model"`
	MAC        string      `json:"mac"`
	MicMAC     string      `json:"mic_mac"`
	DeviceID   string      `json:"deviceId"`
	RelayState int         `json:"relay_state"`
	Children   []childInfo `json:"children"`
	ErrCode    int         `json:"err_code"`
	ErrMsg     string      `json:"err_msg"`
}

type childInfo struct {
	ID    string `json:"id"`
	State int    `json:"state"`
	Alias string `json:"alias"`
}

type result struct {
	ErrCode int    `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

type response struct {
	System struct {
		GetSysinfo    *sysinfo `json:"get_sysinfo"`
		SetRelayState *result  `json:"set_relay_state"`
	} `json:"system"`
}

var errNoSysinfo = errors.New("response carries no sysinfo")

func parseSysinfo(raw []byte) (*sysinfo, error) {
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode sysinfo: %w", err)
	}
	info := resp.System.GetSysinfo
	if info == nil {
		return nil, errNoSysinfo
	}
	if info.ErrCode != 0 {
		return nil, fmt.Errorf("sysinfo error %d: %s", info.ErrCode, info.ErrMsg)
	}
	return info, nil
}

// snapshot exposes strip outlets by their position, not their device id.
func (s *sysinfo) snapshot() device.Snapshot {
	mac := s.MAC
	if mac == "" {
		mac = s.MicMAC
	}
	snap := device.Snapshot{
		MAC:   mac,
		Alias: s.Alias,
		Model: s.Model,
		IsOn:  s.RelayState == 1,
	}
	if len(s.Children) > 0 {
		snap.Children = make([]device.ChildState, len(s.Children))
		anyOn := false
		for i, c := range s.Children {
			snap.Children[i] = device.ChildState{
				ID:    strconv.Itoa(i),
				Alias: c.Alias,
				IsOn:  c.State == 1,
			}
			anyOn = anyOn || c.State == 1
		}
		snap.IsOn = anyOn
	}
	return snap
}

// childIDs returns the full ids the device expects in a request context.
// Some firmware reports only the two-digit suffix.
func (s *sysinfo) childIDs() []string {
	ids := make([]string, len(s.Children))
	for i, c := range s.Children {
		id := c.ID
		if len(id) <= 2 {
			id = s.DeviceID + id
		}
		ids[i] = id
	}
	return ids
}
