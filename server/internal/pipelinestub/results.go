package pipelinestub

func lowResult(caseID string, symptoms []string) map[string]interface{} {
	return map[string]interface{}{
		"case_id":                     caseID,
		"route":                       "low",
		"complexity":                  "low",
		"status":                      "✅ Case processed successfully.",
		"symptoms":                    symptoms,
		"specialists_involved":        []string{},
		"specialist_discussion":       "",
		"moderator_technical_summary": "Primary care assessment: self-limiting presentation, no red flags.",
		"patient_friendly_advice":     "Rest, drink plenty of fluids and return if symptoms worsen.",
		"medicines_advised":           []string{"Paracetamol 500 mg every 6 hours if fever"},
		"final_summary_simplified": map[string]interface{}{
			"CONDITION SUMMARY":   "Likely a mild, self-limiting illness.",
			"POSSIBLE CAUSES":     "Viral infection.",
			"NURSE ACTIONS":       "• Check temperature twice daily.\n• Encourage oral fluids.",
			"ESCALATION CRITERIA": "• Fever beyond 5 days.\n• Drowsiness or breathing difficulty.",
			"MEDICINES ADVISED":   []string{"Paracetamol 500 mg every 6 hours if fever"},
		},
	}
}

func mediumResult(caseID string, symptoms, specialists []string) map[string]interface{} {
	return map[string]interface{}{
		"case_id":                     caseID,
		"route":                       "medium",
		"status":                      "🧠 Specialists discussion completed.",
		"symptoms":                    symptoms,
		"specialists_involved":        specialists,
		"specialist_discussion":       "Panel agreed on investigations before treatment.",
		"moderator_technical_summary": "MDT consensus: investigate and review within 24 hours.",
		"patient_friendly_advice":     "",
		"medicines_advised":           []string{},
		"final_summary_simplified": map[string]interface{}{
			"CONDITION SUMMARY":   "Needs specialist review within a day.",
			"POSSIBLE CAUSES":     "Several possibilities; tests are required.",
			"NURSE ACTIONS":       "• Record vitals every 4 hours.\n• Arrange teleconsultation.",
			"ESCALATION CRITERIA": "• Any drop in SpO2 below 94%.\n• New chest pain.",
			"MEDICINES ADVISED":   []string{},
		},
	}
}

func emergencyResult(symptoms []string) map[string]interface{} {
	return map[string]interface{}{
		"route":                       "high",
		"status":                      "🚨 High-Risk Case Identified - Immediate Medical Attention Required",
		"symptoms":                    symptoms,
		"specialists_involved":        []string{},
		"specialist_discussion":       "",
		"moderator_technical_summary": "This case has been assessed as HIGH-RISK. MDT processing is bypassed. Immediate escalation recommended.",
		"final_summary_simplified": map[string]interface{}{
			"CONDITION SUMMARY":   "Symptoms indicate a potentially serious condition that needs urgent evaluation.",
			"POSSIBLE CAUSES":     "Cardiac, respiratory or other emergencies. Exact diagnosis requires examination.",
			"NURSE ACTIONS":       "• Stay with the patient.\n• Assess airway, breathing, circulation.\n• Prepare for urgent referral.",
			"ESCALATION CRITERIA": "• Difficulty breathing.\n• Chest pain or pressure.\n• Altered mental state.",
			"MEDICINES ADVISED":   []string{},
		},
	}
}
