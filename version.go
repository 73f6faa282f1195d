package smooth

// Version is the SDK release version reported in the User-Agent header and
// telemetry events.
const Version = "0.4.0"

// BaseURL is the default API endpoint.
const BaseURL = "https://api2.circlemind.co/api"
