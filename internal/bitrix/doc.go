// Package bitrix is the CRM retrieval client. It talks to a Bitrix24 inbound
// webhook over its REST protocol: every call is a JSON POST to
// {webhook}/{method}, answered with {"result": ..., "next": N} or
// {"error": CODE, "error_description": TEXT}.
//
// client.go owns transport concerns: TLS, rate limiting (x/time/rate),
// retries with truncated exponential backoff on QUERY_LIMIT_EXCEEDED, 5xx
// and network errors. methods.go implements the four CRM methods the
// service needs, including start/next pagination and owner-ID chunking for
// stage history.
//
// Results are returned as loosely-typed records; internal/normalize turns
// them into canonical deals and events.
package bitrix
