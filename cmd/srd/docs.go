package main

// General API documentation for swaggo. Regenerate the docs package with
// `swag init -g cmd/srd/docs.go -o docs`.
//
// @title           srd API
// @version         1.0
// @description     HTTP API for multi-accelerator image super-resolution.
//
// @contact.name   srd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
