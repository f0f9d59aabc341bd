// Package http implements the REST handlers for the sealed database service.
// Handlers stay thin: they bind and validate the request, call one service
// method and render the result. Failures go through errors.ErrorHandler as
// RFC 7807 problem details, except where existing clients expect a plain
// {success, message} body.
//
// Routes:
//
//	/api/health, /api/health/ready, /api/health/live, /api/version
//	/api/v1/verification/{status,send-code,verify,reset}
//	/api/v1/database/{check,key-status,decrypt,encrypt,integrity,password,password/check}
//	/metrics
package http
