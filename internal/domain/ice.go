package domain

import "encoding/json"

// DefaultSTUN is used whenever the TURN lookup cannot be trusted.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// URLList accepts either a single string or an array of strings.
type URLList []string

func (u *URLList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one == "" {
			*u = nil
			return nil
		}
		*u = URLList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

// ICEServer describes one STUN/TURN endpoint handed to peers.
type ICEServer struct {
	URLs       URLList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

func DefaultICEServers() []ICEServer {
	return []ICEServer{{URLs: URLList{DefaultSTUN}}}
}

// Flatten splits multi-URL entries so every descriptor carries exactly one URL.
func Flatten(in []ICEServer) []ICEServer {
	out := make([]ICEServer, 0, len(in))
	for _, s := range in {
		for _, u := range s.URLs {
			if u == "" {
				continue
			}
			out = append(out, ICEServer{URLs: URLList{u}, Username: s.Username, Credential: s.Credential})
		}
	}
	return out
}
