package server

import _ "embed"

//go:embed graphiql.html
var graphiqlPage []byte
