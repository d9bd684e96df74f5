package payload

import "encoding/json"

// identifying lists the body keys worth logging when a job is processed or
// discarded.
var identifying = []string{
	"redis_prefix",
	"tracked_job_id",
	"datatype_id",
	"datarecord_id",
	"datafield_id",
	"object_type",
	"object_id",
	"random_key",
	"job_type",
}

// Identify extracts the identifying fields of a raw job body. Bodies that are
// not JSON objects yield an empty map.
func Identify(body []byte) map[string]any {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return map[string]any{}
	}
	out := make(map[string]any)
	for _, k := range identifying {
		v, ok := raw[k]
		if !ok {
			continue
		}
		// Record lists are only worth their size.
		if list, ok := v.([]any); ok {
			v = len(list)
			k += "_count"
		}
		out[k] = v
	}
	return out
}
