package fhir

import "encoding/json"

// AnnotateCapabilitySecurity rewrites an upstream CapabilityStatement so
// that every rest entry advertises the gateway's OAuth2 protection: cors
// enabled, a SMART-on-FHIR service coding, and a human description.
//
// The body is returned unchanged (nil, nil) when it is not a
// CapabilityStatement; the gateway then passes the upstream bytes through.
func AnnotateCapabilitySecurity(body []byte) ([]byte, error) {
	var statement map[string]interface{}
	if err := json.Unmarshal(body, &statement); err != nil {
		return nil, nil
	}
	if rt, _ := statement["resourceType"].(string); rt != "CapabilityStatement" {
		return nil, nil
	}

	rest, _ := statement["rest"].([]interface{})
	for _, r := range rest {
		entry, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		security, _ := entry["security"].(map[string]interface{})
		if security == nil {
			security = make(map[string]interface{})
		}
		security["cors"] = true
		security["service"] = []interface{}{
			map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{
						"system":  "oauth",
						"code":    "SMART-on-FHIR",
						"display": "SMART on FHIR",
					},
				},
				"text": "OAuth2 using SMART on FHIR profile",
			},
		}
		security["description"] = "Bearer tokens issued by the configured identity provider are required on all FHIR interactions."
		entry["security"] = security
	}

	return json.Marshal(statement)
}
