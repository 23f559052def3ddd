package config

import "encoding/json"

// ConfigResponse is the shape the config API test suite decodes handler
// responses into. ConfigAPIHandler writes the nested api.Response envelope
// ({success, data: {config, fields, changes}, error: {code, message}});
// UnmarshalJSON flattens it so tests can assert on the data fields directly.
// Error holds the envelope's error message, or "" when there is none.
type ConfigResponse struct {
	Success bool
	Config  map[string]any
	Error   string
	Fields  map[string]FieldInfo
	Changes []ConfigChange
}

// UnmarshalJSON decodes an api.Response envelope into the flat test shape.
func (r *ConfigResponse) UnmarshalJSON(b []byte) error {
	var env struct {
		Success bool       `json:"success"`
		Data    configData `json:"data"`
		Error   *apiError  `json:"error"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	r.Success = env.Success
	r.Config = env.Data.Config
	r.Fields = env.Data.Fields
	r.Changes = env.Data.Changes
	r.Error = ""
	if env.Error != nil {
		r.Error = env.Error.Message
	}
	return nil
}
