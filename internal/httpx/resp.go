package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var logger = logrus.StandardLogger().WithField("component", "httpx")

// SetLogger replaces the entry used to log internal errors
func SetLogger(entry *logrus.Entry) {
	if entry != nil {
		logger = entry
	}
}

// Response represents the standard API response structure
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// OK sends a successful response with default message "success"
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Created sends a 201 response for a newly created resource
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "created",
		Data:    data,
	})
}

// FailErr sends an error response from an AppError and logs its internal error
func FailErr(c *gin.Context, err *AppError) {
	if err.Err != nil {
		logger.WithFields(logrus.Fields{
			"code":   err.Code,
			"path":   c.FullPath(),
			"method": c.Request.Method,
		}).WithError(err.Err).Error(err.Message)
	}

	c.JSON(err.HTTPStatus, Response{
		Code:    err.Code,
		Message: err.Message,
		Data:    err.Data,
	})
}

// AbortErr sends the error and stops the handler chain
func AbortErr(c *gin.Context, err *AppError) {
	FailErr(c, err)
	c.Abort()
}

// ItemsData is the list payload used by listing endpoints
type ItemsData struct {
	Items any `json:"items"`
	Count int `json:"count"`
}

// OKItems sends a successful list response
func OKItems(c *gin.Context, items any, count int) {
	OK(c, ItemsData{Items: items, Count: count})
}
