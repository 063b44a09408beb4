package handlers

import (
  "net/http"
  "github.com/gin-gonic/gin"

  "github.com/nullspire/opencircle/internal/apierr"
)

type APIError struct {
  Message     string	`json:"message"`
  Code	      string	`json:"code,omitempty"`
  Suggestion  string	`json:"suggestion,omitempty"`
}

type ErrorEnvelope struct {
  Error	      APIError	`json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
  msg := "unknown error"
  if err != nil {
    msg = err.Error()
  }
  c.JSON(status, ErrorEnvelope{
    Error: APIError{
      Message: msg,
      Code:    code,
    },
  })
}

// RespondAPIErr unwraps a *apierr.Error (§7's family/code/status/message/
// suggestion envelope) when err carries one, and otherwise falls back to
// a generic 500 — every service-layer error in this repo is expected to
// be an *apierr.Error, so the fallback only fires for a programming bug.
func RespondAPIErr(c *gin.Context, err error) {
  if apiErr, ok := err.(*apierr.Error); ok {
    c.JSON(apiErr.Status, ErrorEnvelope{
      Error: APIError{
        Message:    apiErr.Message,
        Code:       apiErr.Code,
        Suggestion: apiErr.Suggestion,
      },
    })
    return
  }
  RespondError(c, http.StatusInternalServerError, "internal.unexpected", err)
}

func RespondOK(c *gin.Context, payload any) {
  c.JSON(http.StatusOK, payload)
}










