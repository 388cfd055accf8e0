package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redpine-sec/citadel/model"
)

func testAPIServer(t *testing.T, auth Authorizer) *httptest.Server {
	a := restAPI{
		service: testService(),
		auth:    auth,
		started: time.Now(),
	}
	a.setupMethods()
	a.setupRouter()

	server := httptest.NewServer(a.router)
	t.Cleanup(server.Close)
	return server
}

func invokeAPI(t *testing.T, server *httptest.Server, token string, request map[string]interface{}) (int, map[string]interface{}) {
	body, err := json.Marshal(request)
	if err != nil {
		t.Fatal("Error marshalling request:", err)
	}
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api", bytes.NewReader(body))
	if err != nil {
		t.Fatal("Error building request:", err)
	}
	if token != "" {
		req.Header.Set(_tokenHeader, token)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal("Error calling api:", err)
	}
	defer res.Body.Close()

	envelope := make(map[string]interface{})
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		t.Fatal("Error decoding response:", err)
	}
	return res.StatusCode, envelope
}

func TestAPIEnvelope(t *testing.T) {
	server := testAPIServer(t, allowAllAuth{})

	t.Run("success", func(t *testing.T) {
		code, envelope := invokeAPI(t, server, "", map[string]interface{}{
			"method": "CreateTarget",
			"name":   "T1",
			"uuid":   "u-1",
		})
		if code != http.StatusOK {
			t.Fatal("Wrong status code:", code)
		}
		if envelope["error"] != false || envelope["status"] != 200.0 {
			t.Fatal("Wrong envelope:", envelope)
		}
		if envelope["target"] == nil {
			t.Fatal("Result missing from envelope:", envelope)
		}
	})

	t.Run("not found", func(t *testing.T) {
		code, envelope := invokeAPI(t, server, "", map[string]interface{}{
			"method": "GetTarget",
			"name":   "nobody",
		})
		if code != http.StatusNotFound {
			t.Fatal("Wrong status code:", code)
		}
		if envelope["error"] != true || envelope["error_type"] != model.ErrTypeNotFound {
			t.Fatal("Wrong envelope:", envelope)
		}
	})

	t.Run("syntax error", func(t *testing.T) {
		code, envelope := invokeAPI(t, server, "", map[string]interface{}{
			"method":        "CreateAction",
			"target_name":   "T1",
			"action_string": "detonate now",
		})
		if code != http.StatusBadRequest {
			t.Fatal("Wrong status code:", code)
		}
		if envelope["error_type"] != model.ErrTypeActionSyntax {
			t.Fatal("Wrong error type:", envelope["error_type"])
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		code, envelope := invokeAPI(t, server, "", map[string]interface{}{"method": "SelfDestruct"})
		if code != http.StatusBadRequest {
			t.Fatal("Wrong status code:", code)
		}
		if envelope["error_type"] != model.ErrTypeValidation {
			t.Fatal("Wrong error type:", envelope["error_type"])
		}
	})

	t.Run("missing method", func(t *testing.T) {
		code, _ := invokeAPI(t, server, "", map[string]interface{}{"name": "T1"})
		if code != http.StatusBadRequest {
			t.Fatal("Wrong status code:", code)
		}
	})
}

func TestAPIKeyAuth(t *testing.T) {
	token, hash, err := GenerateRandomToken(24)
	if err != nil {
		t.Fatal("Error generating token:", err)
	}
	auth, err := newAPIKeyAuth(map[string]string{"operator": hash})
	if err != nil {
		t.Fatal("Error setting up auth:", err)
	}
	server := testAPIServer(t, auth)

	t.Run("valid key", func(t *testing.T) {
		code, _ := invokeAPI(t, server, token, map[string]interface{}{"method": "ListTargets"})
		if code != http.StatusOK {
			t.Fatal("Wrong status code:", code)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		code, envelope := invokeAPI(t, server, "", map[string]interface{}{"method": "ListTargets"})
		if code != http.StatusForbidden {
			t.Fatal("Wrong status code:", code)
		}
		if envelope["error_type"] != model.ErrTypePermissionDenied {
			t.Fatal("Wrong error type:", envelope["error_type"])
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		code, _ := invokeAPI(t, server, "not-the-key", map[string]interface{}{"method": "ListTargets"})
		if code != http.StatusForbidden {
			t.Fatal("Wrong status code:", code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := testAPIServer(t, allowAllAuth{})

	res, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatal("Error calling health:", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatal("Wrong status code:", res.StatusCode)
	}
}
