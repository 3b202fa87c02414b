package core

import "net/http"

// ProblemDocument models the RFC 7807 error envelope returned by the API.
type ProblemDocument struct {
	Type     string `json:"type,omitempty"     example:"about:blank"`
	Title    string `json:"title"              example:"Not Found"`
	Status   int    `json:"status"             example:"404"`
	Detail   string `json:"detail,omitempty"   example:"knowledge: document not found"`
	Instance string `json:"instance,omitempty" example:"/api/v0/documents/0b7c"`
	Code     string `json:"code,omitempty"     example:"document_not_found"`
}

// Problem captures the information returned in an RFC 7807 error response.
type Problem struct {
	Type     string
	Title    string
	Status   int
	Detail   string
	Instance string
	Extras   map[string]any
}

// NormalizeProblem ensures the provided problem includes canonical defaults.
func NormalizeProblem(problem *Problem) *Problem {
	if problem == nil {
		problem = &Problem{}
	}
	if problem.Status == 0 {
		problem.Status = http.StatusInternalServerError
	}
	if problem.Title == "" {
		problem.Title = http.StatusText(problem.Status)
	}
	if problem.Type == "" {
		problem.Type = "about:blank"
	}
	return problem
}

// BuildProblemBody assembles the serialized representation of the problem.
// Extras never override the reserved RFC 7807 members.
func BuildProblemBody(problem *Problem) map[string]any {
	body := map[string]any{
		"type":   problem.Type,
		"title":  problem.Title,
		"status": problem.Status,
	}
	if problem.Detail != "" {
		body["detail"] = problem.Detail
	}
	if problem.Instance != "" {
		body["instance"] = problem.Instance
	}
	for key, value := range problem.Extras {
		if !isReservedProblemKey(key) {
			body[key] = value
		}
	}
	if code, ok := problem.Extras["code"]; ok {
		body["code"] = code
	}
	return body
}

func isReservedProblemKey(key string) bool {
	switch key {
	case "type", "title", "status", "detail", "instance", "code":
		return true
	default:
		return false
	}
}
