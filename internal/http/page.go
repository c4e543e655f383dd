package http

import (
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/kjstillabower/tank-level-service/internal/models"
)

// bandFill maps CSS band classes to SVG fill colors.
var bandFill = map[string]string{
	"green":  "#2e9d4f",
	"blue":   "#2f6fd6",
	"yellow": "#e3b505",
	"red":    "#d63a2f",
}

func fillFor(classes []string) string {
	for _, c := range classes {
		if f, ok := bandFill[c]; ok {
			return f
		}
	}
	return "#9aa5b1"
}

// writeWaveSVG writes a standalone SVG of the tank fill. The path is built
// by render.Path and contains only numbers and path commands.
func writeWaveSVG(w io.Writer, st models.RenderState, frame models.WaveFrame, width float64) error {
	class := strings.Join(append([]string{"water"}, st.Classes...), " ")
	_, err := fmt.Fprintf(w,
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %g 100" preserveAspectRatio="none">`+
			`<rect x="0" y="0" width="%g" height="100" fill="#eef2f5"/>`+
			`<path class="%s" d="%s" fill="%s"/></svg>`,
		width, width, template.HTMLEscapeString(class), frame.Path, fillFor(st.Classes))
	return err
}

var pageFuncs = template.FuncMap{
	"join": strings.Join,
	"fill": fillFor,
}

var indexTemplate = template.Must(template.New("index").Funcs(pageFuncs).Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Tanks</title>
<style>body{font-family:sans-serif;margin:2rem}li{margin:.4rem 0}.flash{animation:flash 1s steps(2,start) infinite}@keyframes flash{to{visibility:hidden}}</style>
</head>
<body>
<h1>Tanks</h1>
<ul>
{{range .}}<li><a href="/tanks/{{.Tank}}">{{.Name}}</a> <span class="{{join .Classes " "}}" style="color:{{fill .Classes}}">{{.StatusText}}</span> <small>{{.LastUpdateText}}</small></li>
{{else}}<li>No tanks configured.</li>
{{end}}</ul>
</body>
</html>
`))

type tankPage struct {
	State      models.RenderState
	Width      float64
	Path       string
	SocketPath string
}

var tankTemplate = template.Must(template.New("tank").Funcs(pageFuncs).Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.State.Name}}</title>
<style>
body{font-family:sans-serif;margin:2rem}
.tank{width:200px;height:300px;border:3px solid #334;border-radius:8px;overflow:hidden}
.tank svg{width:100%;height:100%}
.flash{animation:flash 1s steps(2,start) infinite}
@keyframes flash{to{visibility:hidden}}
</style>
</head>
<body>
<h1>{{.State.Name}}</h1>
<div class="tank"><svg viewBox="0 0 {{.Width}} 100" preserveAspectRatio="none"><path id="water" class="water {{join .State.Classes " "}}" d="{{.Path}}" fill="{{fill .State.Classes}}"/></svg></div>
<p id="status">{{.State.StatusText}}</p>
<p id="updated">{{.State.LastUpdateText}}</p>
<script>
(function(){
  var fills={green:"#2e9d4f",blue:"#2f6fd6",yellow:"#e3b505",red:"#d63a2f"};
  var water=document.getElementById("water");
  var status=document.getElementById("status");
  var updated=document.getElementById("updated");
  function apply(s){
    var h=100-s.heightPercent;
    water.setAttribute("d", s.wave ? s.wave.path : "M0,100 L0,"+h+" L{{.Width}},"+h+" L{{.Width}},100 Z");
    water.setAttribute("class", ["water"].concat(s.classes||[]).join(" "));
    var fill="#9aa5b1";
    (s.classes||[]).forEach(function(c){ if(fills[c]) fill=fills[c]; });
    water.setAttribute("fill", fill);
    status.textContent=s.statusText;
    updated.textContent=s.lastUpdateText;
  }
  function connect(){
    var proto=location.protocol==="https:"?"wss://":"ws://";
    var ws=new WebSocket(proto+location.host+{{.SocketPath}});
    ws.onmessage=function(e){ apply(JSON.parse(e.data)); };
    ws.onclose=function(){ setTimeout(connect, 2000); };
  }
  connect();
})();
</script>
</body>
</html>
`))
