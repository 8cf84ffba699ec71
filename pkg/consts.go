package chatkit

const AppVersion = "0.3.1"
