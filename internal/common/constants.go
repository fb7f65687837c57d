package common

// AccessTokenHeaderName is the HTTP header carrying the bearer token on
// remote record-store requests.
const AccessTokenHeaderName = "Authorization"

// AppVersion is reported in peer discovery metadata and hello messages.
const AppVersion = "1.4.2"
