package fhir

import "strings"

// PatientCompartment holds the FHIR R4 Patient compartment definition: for
// each member resource type, the search parameters that link an instance
// into a patient's compartment and the FHIRPath expressions that extract
// the linked Patient references from a resource body.
//
// The data is bundled as Go literals and immutable after construction.
type PatientCompartment struct {
	members map[string]compartmentMember
}

type compartmentMember struct {
	// searchParams are ordered per the R4 CompartmentDefinition; callers
	// that resolve a search request try them in this order.
	searchParams []string
	// fhirPaths extract patient references from a resource body. They are
	// plain navigation paths so the in-repo engine can evaluate them.
	fhirPaths []string
}

// NewPatientCompartment constructs the R4 Patient compartment.
func NewPatientCompartment() *PatientCompartment {
	return &PatientCompartment{
		members: map[string]compartmentMember{
			"Account": {
				searchParams: []string{"subject"},
				fhirPaths:    []string{"Account.subject"},
			},
			"AllergyIntolerance": {
				searchParams: []string{"patient", "recorder", "asserter"},
				fhirPaths:    []string{"AllergyIntolerance.patient", "AllergyIntolerance.recorder", "AllergyIntolerance.asserter"},
			},
			"Appointment": {
				searchParams: []string{"actor"},
				fhirPaths:    []string{"Appointment.participant.actor"},
			},
			"AuditEvent": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"AuditEvent.agent.who", "AuditEvent.entity.what"},
			},
			"CarePlan": {
				searchParams: []string{"patient", "performer"},
				fhirPaths:    []string{"CarePlan.subject", "CarePlan.activity.detail.performer"},
			},
			"CareTeam": {
				searchParams: []string{"patient", "participant"},
				fhirPaths:    []string{"CareTeam.subject", "CareTeam.participant.member"},
			},
			"Claim": {
				searchParams: []string{"patient", "payee"},
				fhirPaths:    []string{"Claim.patient", "Claim.payee.party"},
			},
			"ClinicalImpression": {
				searchParams: []string{"subject"},
				fhirPaths:    []string{"ClinicalImpression.subject"},
			},
			"Communication": {
				searchParams: []string{"subject", "sender", "recipient"},
				fhirPaths:    []string{"Communication.subject", "Communication.sender", "Communication.recipient"},
			},
			"Condition": {
				searchParams: []string{"patient", "asserter"},
				fhirPaths:    []string{"Condition.subject", "Condition.asserter"},
			},
			"Consent": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"Consent.patient"},
			},
			"Coverage": {
				searchParams: []string{"patient", "subscriber", "beneficiary", "payor"},
				fhirPaths:    []string{"Coverage.beneficiary", "Coverage.subscriber", "Coverage.payor"},
			},
			"DetectedIssue": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"DetectedIssue.patient"},
			},
			"DeviceRequest": {
				searchParams: []string{"subject", "performer"},
				fhirPaths:    []string{"DeviceRequest.subject", "DeviceRequest.performer"},
			},
			"DiagnosticReport": {
				searchParams: []string{"subject"},
				fhirPaths:    []string{"DiagnosticReport.subject"},
			},
			"DocumentReference": {
				searchParams: []string{"subject", "author"},
				fhirPaths:    []string{"DocumentReference.subject", "DocumentReference.author"},
			},
			"Encounter": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"Encounter.subject"},
			},
			"EpisodeOfCare": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"EpisodeOfCare.patient"},
			},
			"ExplanationOfBenefit": {
				searchParams: []string{"patient", "payee"},
				fhirPaths:    []string{"ExplanationOfBenefit.patient", "ExplanationOfBenefit.payee.party"},
			},
			"FamilyMemberHistory": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"FamilyMemberHistory.patient"},
			},
			"Goal": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"Goal.subject"},
			},
			"ImagingStudy": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"ImagingStudy.subject"},
			},
			"Immunization": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"Immunization.patient"},
			},
			"List": {
				searchParams: []string{"subject", "source"},
				fhirPaths:    []string{"List.subject", "List.source"},
			},
			"MedicationAdministration": {
				searchParams: []string{"patient", "performer", "subject"},
				fhirPaths:    []string{"MedicationAdministration.subject", "MedicationAdministration.performer.actor"},
			},
			"MedicationDispense": {
				searchParams: []string{"subject", "patient", "receiver"},
				fhirPaths:    []string{"MedicationDispense.subject", "MedicationDispense.receiver"},
			},
			"MedicationRequest": {
				searchParams: []string{"subject"},
				fhirPaths:    []string{"MedicationRequest.subject"},
			},
			"MedicationStatement": {
				searchParams: []string{"subject"},
				fhirPaths:    []string{"MedicationStatement.subject"},
			},
			"NutritionOrder": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"NutritionOrder.patient"},
			},
			"Observation": {
				// "patient" is the store-side alias for subject searches;
				// HAPI and the Cloud Healthcare API both accept it.
				searchParams: []string{"subject", "performer", "patient"},
				fhirPaths:    []string{"Observation.subject", "Observation.performer"},
			},
			"Procedure": {
				searchParams: []string{"patient", "performer"},
				fhirPaths:    []string{"Procedure.subject", "Procedure.performer.actor"},
			},
			"Provenance": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"Provenance.target"},
			},
			"QuestionnaireResponse": {
				searchParams: []string{"subject", "author"},
				fhirPaths:    []string{"QuestionnaireResponse.subject", "QuestionnaireResponse.author"},
			},
			"RelatedPerson": {
				searchParams: []string{"patient"},
				fhirPaths:    []string{"RelatedPerson.patient"},
			},
			"RiskAssessment": {
				searchParams: []string{"subject"},
				fhirPaths:    []string{"RiskAssessment.subject"},
			},
			"Schedule": {
				searchParams: []string{"actor"},
				fhirPaths:    []string{"Schedule.actor"},
			},
			"ServiceRequest": {
				searchParams: []string{"subject", "performer"},
				fhirPaths:    []string{"ServiceRequest.subject", "ServiceRequest.performer"},
			},
			"Specimen": {
				searchParams: []string{"subject"},
				fhirPaths:    []string{"Specimen.subject"},
			},
		},
	}
}

// Contains reports whether the resource type is a member of the Patient
// compartment. The Patient type itself is handled separately by callers.
func (pc *PatientCompartment) Contains(resourceType string) bool {
	_, ok := pc.members[resourceType]
	return ok
}

// SearchParams returns the compartment search parameters for a resource
// type, in CompartmentDefinition order. Nil for non-members.
func (pc *PatientCompartment) SearchParams(resourceType string) []string {
	m, ok := pc.members[resourceType]
	if !ok {
		return nil
	}
	return m.searchParams
}

// FHIRPaths returns the FHIRPath expressions that extract patient
// references from a resource of the given type. Nil for non-members.
func (pc *PatientCompartment) FHIRPaths(resourceType string) []string {
	m, ok := pc.members[resourceType]
	if !ok {
		return nil
	}
	return m.fhirPaths
}

// PatchPaths returns the leading JSON-pointer segments under which a patch
// can modify patient references, derived from the FHIRPath expressions
// (the first field after the resource type head). Nil for non-members.
func (pc *PatientCompartment) PatchPaths(resourceType string) []string {
	m, ok := pc.members[resourceType]
	if !ok {
		return nil
	}
	var paths []string
	seen := make(map[string]bool)
	for _, expr := range m.fhirPaths {
		parts := strings.Split(expr, ".")
		if len(parts) < 2 {
			continue
		}
		p := "/" + parts[1]
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths
}
